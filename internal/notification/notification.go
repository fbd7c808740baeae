// Package notification forwards engine events to operator chat channels.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tradebot-engine/config"
	"tradebot-engine/internal/events"
	"tradebot-engine/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyBotStarted NotificationType = "bot_started"
	NotifyBotStopped NotificationType = "bot_stopped"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyError      NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	BotID     string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// Notifier is one delivery channel
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled notifier
type Manager struct {
	notifiers []Notifier
	lifecycle bool
	timeout   time.Duration
	log       *logging.Logger
}

// NewManager creates a manager with no notifiers
func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		timeout: 10 * time.Second,
		log:     log.WithComponent("notification"),
	}
}

// NewManagerFromConfig builds the configured notifiers. Returns nil when notifications are disabled.
func NewManagerFromConfig(cfg config.NotificationConfig, log *logging.Logger) *Manager {
	if !cfg.Enabled {
		return nil
	}
	m := NewManager(log)
	m.lifecycle = cfg.Lifecycle
	if cfg.Telegram.Enabled {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Discord.Enabled {
		m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled providers and returns the last failure
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	var lastErr error
	for _, notifier := range m.notifiers {
		if !notifier.IsEnabled() {
			continue
		}
		if err := notifier.Send(ctx, n); err != nil {
			m.log.WithError(err).Warn("Notification delivery failed", "notifier", notifier.Name(), "type", string(n.Type))
			lastErr = err
		}
	}
	return lastErr
}

// Attach subscribes the manager to closed trades and failed cycles, plus lifecycle events when enabled
func (m *Manager) Attach(bus *events.EventBus) {
	if m == nil || bus == nil {
		return
	}
	handle := func(e events.Event) {
		n := FromEvent(e)
		if n == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		m.Send(ctx, n)
	}
	bus.Subscribe(events.EventTradeClosed, handle)
	bus.Subscribe(events.EventCycleFailed, handle)
	if m.lifecycle {
		bus.Subscribe(events.EventBotStarted, handle)
		bus.Subscribe(events.EventBotStopped, handle)
	}
}

// FromEvent renders an engine event. Events without an operator message yield nil.
func FromEvent(e events.Event) *Notification {
	str := func(key string) string {
		s, _ := e.Data[key].(string)
		return s
	}
	num := func(key string) float64 {
		switch v := e.Data[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
		return 0
	}

	n := &Notification{BotID: e.BotID, Timestamp: e.Timestamp}
	switch e.Type {
	case events.EventTradeClosed:
		n.Type = NotifyTradeClose
		n.Symbol = str("symbol")
		n.Price = num("exit_price")
		n.PnL = num("pnl")
		result := "Win"
		if n.PnL < 0 {
			result = "Loss"
		}
		n.Title = fmt.Sprintf("Trade Closed (%s): %s", result, n.Symbol)
		n.Message = fmt.Sprintf("Bot %s\nEntry: %.4f -> Exit: %.4f\nQty: %.8f\nP&L: %.4f",
			e.BotID, num("entry_price"), n.Price, num("quantity"), n.PnL)
	case events.EventCycleFailed:
		n.Type = NotifyError
		n.Title = "Cycle Failed"
		n.Message = fmt.Sprintf("Bot %s: %s", e.BotID, str("error"))
	case events.EventBotStarted:
		n.Type = NotifyBotStarted
		n.Symbol = str("symbol")
		n.Title = fmt.Sprintf("Bot Started: %s", n.Symbol)
		n.Message = fmt.Sprintf("Bot %s running %s", e.BotID, str("strategy"))
	case events.EventBotStopped:
		n.Type = NotifyBotStopped
		n.PnL = num("profit")
		n.Title = "Bot Stopped"
		n.Message = fmt.Sprintf("Bot %s\nTrades: %.0f\nProfit: %.4f", e.BotID, num("trades"), n.PnL)
	default:
		return nil
	}
	return n
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  "https://api.telegram.org",
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	return postJSON(ctx, t.client, url, payload, "telegram", http.StatusOK)
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if n.Type == NotifyError || n.PnL < 0 {
		color = 0xFF0000 // Red
	}
	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	if n.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if n.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", n.Price), "inline": true,
			})
		}
		if n.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.4f", n.PnL), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	return postJSON(ctx, d.client, d.webhookURL, payload, "discord", http.StatusOK, http.StatusNoContent)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, name string, okStatus ...int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s message: %w", name, err)
	}
	defer resp.Body.Close()

	for _, code := range okStatus {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("%s API returned status %d", name, resp.StatusCode)
}
