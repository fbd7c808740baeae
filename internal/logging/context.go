package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the trace ID stored by WithTraceContext, if any
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it.
// An empty traceID generates a new one.
func WithTraceContext(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger) {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	if base == nil {
		base = Default()
	}
	l := base.WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// BotContext creates a logger for one running bot
func BotContext(base *Logger, botID, userID, symbol string) *Logger {
	if base == nil {
		base = Default()
	}
	return base.WithFields(map[string]interface{}{
		"bot_id":  botID,
		"user_id": userID,
		"symbol":  symbol,
	})
}

// OrderContext creates a logger context for order operations
func OrderContext(base *Logger, clientOrderID, symbol, side, orderType string) *Logger {
	if base == nil {
		base = Default()
	}
	return base.WithFields(map[string]interface{}{
		"client_order_id": clientOrderID,
		"symbol":          symbol,
		"side":            side,
		"order_type":      orderType,
	})
}

// BinanceAPIContext creates a logger context for Binance API calls
func BinanceAPIContext(endpoint string, params map[string]string) *Logger {
	l := Default().WithComponent("binance").WithField("endpoint", endpoint)

	// Add safe params (exclude sensitive data)
	for k, v := range params {
		if k != "signature" && k != "apiKey" {
			l = l.WithField(k, v)
		}
	}

	return l
}

// DatabaseContext creates a logger context for database operations
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}
