package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"tradebot-engine/internal/logging"
)

const (
	contextKeyUserID = "user_id"
	requestIDHeader  = "X-Request-ID"
)

// UserClaims are the JWT claims accepted by the API
type UserClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// requestLogging attaches a trace-scoped logger to the request context and logs the outcome
func requestLogging(base *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, log := logging.WithTraceContext(c.Request.Context(), base, c.GetHeader(requestIDHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, logging.TraceIDFromContext(ctx))

		c.Next()

		status := c.Writer.Status()
		entry := log.WithDuration(time.Since(start))
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
		}
		if uid := c.GetString(contextKeyUserID); uid != "" {
			fields = append(fields, "user_id", uid)
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("Request failed", fields...)
		case status >= http.StatusBadRequest:
			entry.Warn("Request rejected", fields...)
		default:
			entry.Debug("Request served", fields...)
		}
	}
}

// requestLogger returns the trace-scoped logger of the request
func requestLogger(c *gin.Context) *logging.Logger {
	return logging.FromContext(c.Request.Context())
}

// authMiddleware validates an HS256 bearer token and sets the user id.
// Websocket clients may pass the token as the "token" query parameter.
func (s *Server) authMiddleware() gin.HandlerFunc {
	secret := []byte(s.config.JWTSecret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		tokenString, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": err.Error(),
			})
			return
		}

		claims := &UserClaims{}
		_, err = parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil {
			message := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				message = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": message,
			})
			return
		}

		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "token has no user_id claim",
			})
			return
		}

		c.Set(contextKeyUserID, userID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// IssueToken signs an HS256 token for userID. Used by tooling and tests.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// getUserIDRequired returns the authenticated user id or writes 401
func (s *Server) getUserIDRequired(c *gin.Context) (string, bool) {
	userID := c.GetString(contextKeyUserID)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "UNAUTHORIZED",
			"message": "authentication required",
		})
		return "", false
	}
	return userID, true
}
