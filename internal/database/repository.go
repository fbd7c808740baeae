package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tradebot-engine/internal/engine"
)

// ErrBotNotFound is returned when no bot has the requested id
var ErrBotNotFound = errors.New("bot not found")

// Repository provides data access methods for bots and their durable stats.
// It implements engine.StatsStore.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// BOTS
// ============================================================================

const botColumns = `id, user_id, name, strategy_name, config, status, created_at, updated_at`

func scanBot(row pgx.Row) (engine.BotSpec, error) {
	var (
		spec   engine.BotSpec
		cfg    []byte
		status string
	)
	err := row.Scan(&spec.ID, &spec.UserID, &spec.Name, &spec.StrategyName, &cfg, &status, &spec.CreatedAt, &spec.UpdatedAt)
	if err != nil {
		return engine.BotSpec{}, err
	}
	spec.Config = cfg
	spec.Status = engine.BotStatus(status)
	return spec, nil
}

// CreateBot inserts a bot definition. An empty ID is generated.
func (r *Repository) CreateBot(ctx context.Context, spec *engine.BotSpec) error {
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.Status == "" {
		spec.Status = engine.BotStatusInactive
	}
	cfg := string(spec.Config)
	if cfg == "" {
		cfg = "{}"
	}

	query := `
		INSERT INTO bots (id, user_id, name, strategy_name, config, status)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		spec.ID, spec.UserID, spec.Name, spec.StrategyName, cfg, string(spec.Status),
	).Scan(&spec.CreatedAt, &spec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	return nil
}

// GetBot returns one bot definition or ErrBotNotFound
func (r *Repository) GetBot(ctx context.Context, botID string) (*engine.BotSpec, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = $1`
	spec, err := scanBot(r.db.Pool.QueryRow(ctx, query, botID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBotNotFound
		}
		return nil, fmt.Errorf("get bot %s: %w", botID, err)
	}
	return &spec, nil
}

// ListBotsByUser returns a user's bots, newest first
func (r *Repository) ListBotsByUser(ctx context.Context, userID string) ([]engine.BotSpec, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE user_id = $1 ORDER BY created_at DESC`
	return r.queryBots(ctx, query, userID)
}

// UpdateBotStatus sets a bot's lifecycle status
func (r *Repository) UpdateBotStatus(ctx context.Context, botID string, status engine.BotStatus) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE bots SET status = $2, updated_at = NOW() WHERE id = $1`, botID, string(status))
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	return nil
}

// ListRunningBotSpecs returns bots whose durable stats say they were running.
// Archived bots are never returned.
func (r *Repository) ListRunningBotSpecs(ctx context.Context) ([]engine.BotSpec, error) {
	query := `
		SELECT b.id, b.user_id, b.name, b.strategy_name, b.config, b.status, b.created_at, b.updated_at
		FROM bots b
		JOIN bot_stats s ON s.bot_id = b.id
		WHERE s.is_running AND b.status <> 'ARCHIVED'
		ORDER BY s.started_at NULLS LAST, b.id
	`
	return r.queryBots(ctx, query)
}

// ListRunningBotSpecsForUser is ListRunningBotSpecs limited to one user
func (r *Repository) ListRunningBotSpecsForUser(ctx context.Context, userID string) ([]engine.BotSpec, error) {
	query := `
		SELECT b.id, b.user_id, b.name, b.strategy_name, b.config, b.status, b.created_at, b.updated_at
		FROM bots b
		JOIN bot_stats s ON s.bot_id = b.id
		WHERE s.is_running AND b.status <> 'ARCHIVED' AND b.user_id = $1
		ORDER BY s.started_at NULLS LAST, b.id
	`
	return r.queryBots(ctx, query, userID)
}

func (r *Repository) queryBots(ctx context.Context, query string, args ...interface{}) ([]engine.BotSpec, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()

	var specs []engine.BotSpec
	for rows.Next() {
		spec, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// ============================================================================
// BOT STATS
// ============================================================================

// LoadBotStats returns the durable stats of a bot, or nil when none were saved yet
func (r *Repository) LoadBotStats(ctx context.Context, botID string) (*engine.PersistedBotStats, error) {
	query := `
		SELECT bot_id, user_id, trades, profit, errors, winning_trades, losing_trades,
			is_running, started_at, updated_at
		FROM bot_stats WHERE bot_id = $1
	`
	var (
		rec       engine.PersistedBotStats
		startedAt *time.Time
	)
	err := r.db.Pool.QueryRow(ctx, query, botID).Scan(
		&rec.BotID, &rec.UserID,
		&rec.Stats.Trades, &rec.Stats.Profit, &rec.Stats.Errors,
		&rec.Stats.WinningTrades, &rec.Stats.LosingTrades,
		&rec.IsRunning, &startedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load bot stats %s: %w", botID, err)
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	return &rec, nil
}

// SaveBotStats upserts the durable stats of a bot. The last write wins; a zero
// StartedAt keeps the stored value.
func (r *Repository) SaveBotStats(ctx context.Context, stats engine.PersistedBotStats) error {
	query := `
		INSERT INTO bot_stats (bot_id, user_id, trades, profit, errors, winning_trades, losing_trades,
			is_running, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (bot_id) DO UPDATE SET
			trades = EXCLUDED.trades,
			profit = EXCLUDED.profit,
			errors = EXCLUDED.errors,
			winning_trades = EXCLUDED.winning_trades,
			losing_trades = EXCLUDED.losing_trades,
			is_running = EXCLUDED.is_running,
			started_at = COALESCE(EXCLUDED.started_at, bot_stats.started_at),
			updated_at = EXCLUDED.updated_at
	`
	updatedAt := stats.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := r.db.Pool.Exec(ctx, query,
		stats.BotID, stats.UserID,
		stats.Stats.Trades, stats.Stats.Profit, stats.Stats.Errors,
		stats.Stats.WinningTrades, stats.Stats.LosingTrades,
		stats.IsRunning, nullTime(stats.StartedAt), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save bot stats %s: %w", stats.BotID, err)
	}
	return nil
}

// GetUserAggregateStats sums the durable stats of every bot the user owns
func (r *Repository) GetUserAggregateStats(ctx context.Context, userID string) (*engine.UserAggregateStats, error) {
	query := `
		SELECT
			COUNT(b.id),
			COUNT(*) FILTER (WHERE s.is_running),
			COALESCE(SUM(s.trades), 0),
			COALESCE(SUM(s.profit), 0),
			COALESCE(SUM(s.errors), 0),
			COALESCE(SUM(s.winning_trades), 0),
			COALESCE(SUM(s.losing_trades), 0)
		FROM bots b
		LEFT JOIN bot_stats s ON s.bot_id = b.id
		WHERE b.user_id = $1
	`
	agg := &engine.UserAggregateStats{UserID: userID}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&agg.TotalBots, &agg.RunningBots,
		&agg.Stats.Trades, &agg.Stats.Profit, &agg.Stats.Errors,
		&agg.Stats.WinningTrades, &agg.Stats.LosingTrades,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats for user %s: %w", userID, err)
	}
	return agg, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ engine.StatsStore = (*Repository)(nil)
