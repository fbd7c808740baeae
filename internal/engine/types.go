package engine

import (
	"context"
	"encoding/json"
	"time"

	"tradebot-engine/internal/exchange"
	"tradebot-engine/internal/strategy"
)

// BotStatus is the lifecycle status of a persisted bot
type BotStatus string

const (
	BotStatusActive   BotStatus = "ACTIVE"
	BotStatusInactive BotStatus = "INACTIVE"
	BotStatusArchived BotStatus = "ARCHIVED"
	BotStatusError    BotStatus = "ERROR"
)

// BotSpec is the durable bot definition. The engine never mutates it.
type BotSpec struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	StrategyName string          `json:"strategy_name"`
	Config       json.RawMessage `json:"config,omitempty"`
	Status       BotStatus       `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Stats are the cumulative counters of a bot
type Stats struct {
	Trades        int     `json:"trades"`
	Profit        float64 `json:"profit"`
	Errors        int     `json:"errors"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
}

// Add returns the field-wise sum of s and o
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Trades:        s.Trades + o.Trades,
		Profit:        s.Profit + o.Profit,
		Errors:        s.Errors + o.Errors,
		WinningTrades: s.WinningTrades + o.WinningTrades,
		LosingTrades:  s.LosingTrades + o.LosingTrades,
	}
}

// PersistedBotStats is the durable mirror of a bot's stats
type PersistedBotStats struct {
	BotID     string    `json:"bot_id"`
	UserID    string    `json:"user_id"`
	Stats     Stats     `json:"stats"`
	IsRunning bool      `json:"is_running"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserAggregateStats is the durable rollup over all bots of a user
type UserAggregateStats struct {
	UserID      string `json:"user_id"`
	TotalBots   int    `json:"total_bots"`
	RunningBots int    `json:"running_bots"`
	Stats       Stats  `json:"stats"`
}

// LiveStats is the in-memory rollup over bots running in this process
type LiveStats struct {
	ActiveBots int `json:"active_bots"`
	Stats
}

// RuntimeSnapshot is the restorable part of a bot's runtime state
type RuntimeSnapshot struct {
	BotID      string              `json:"bot_id"`
	Positions  []strategy.Position `json:"positions"`
	LastAction time.Time           `json:"last_action"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// SignalSummary is the last evaluation outcome of a bot
type SignalSummary struct {
	Kind       string          `json:"kind"`
	Action     strategy.Action `json:"action"`
	Quantity   float64         `json:"quantity"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason"`
	At         time.Time       `json:"at"`
}

// BotRuntimeState is a point-in-time copy of a running bot
type BotRuntimeState struct {
	BotID        string              `json:"bot_id"`
	UserID       string              `json:"user_id"`
	Name         string              `json:"name"`
	StrategyName string              `json:"strategy"`
	Symbol       string              `json:"symbol"`
	Paper        bool                `json:"paper"`
	Frequency    time.Duration       `json:"trading_frequency"`
	StartedAt    time.Time           `json:"started_at"`
	Stats        Stats               `json:"stats"`
	Positions    []strategy.Position `json:"positions"`
	LastAction   time.Time           `json:"last_action"`
	LastSignal   *SignalSummary      `json:"last_signal,omitempty"`
	Stopping     bool                `json:"stopping"`
}

// ExchangeResolver returns a not yet connected exchange for a bot owner
type ExchangeResolver interface {
	Resolve(ctx context.Context, userID string, paper bool) (exchange.Exchange, error)
}

// StatsStore is the durable stats gateway. LoadBotStats returns nil, nil when no record exists.
type StatsStore interface {
	LoadBotStats(ctx context.Context, botID string) (*PersistedBotStats, error)
	SaveBotStats(ctx context.Context, stats PersistedBotStats) error
	GetUserAggregateStats(ctx context.Context, userID string) (*UserAggregateStats, error)
}

// RuntimeStore keeps runtime snapshots across restarts. LoadRuntime returns nil, nil when absent.
type RuntimeStore interface {
	SaveRuntime(ctx context.Context, snap RuntimeSnapshot) error
	LoadRuntime(ctx context.Context, botID string) (*RuntimeSnapshot, error)
	DeleteRuntime(ctx context.Context, botID string) error
}

// SignalGenerator evaluates one cycle
type SignalGenerator interface {
	Evaluate(in strategy.Input) strategy.Result
}
