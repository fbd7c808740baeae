// Package engine runs trading bots: one cancellable loop per bot, each
// evaluating signals and placing orders against the owner's exchange.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradebot-engine/internal/events"
	"tradebot-engine/internal/exchange"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/strategy"
)

// Options tunes scheduling. Zero durations other than InitialDelay take defaults.
type Options struct {
	InitialDelay     time.Duration // Before the first cycle; zero runs it immediately
	DefaultFrequency time.Duration // Used when a config yields no frequency
	CycleTimeout     time.Duration
	StopTimeout      time.Duration // Max wait for an in-flight cycle on stop
	PersistTimeout   time.Duration
	CandleLimit      int
	OrderBookDepth   int
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		InitialDelay:     time.Second,
		DefaultFrequency: 5 * time.Minute,
		CycleTimeout:     30 * time.Second,
		StopTimeout:      30 * time.Second,
		PersistTimeout:   5 * time.Second,
		CandleLimit:      100,
		OrderBookDepth:   20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	}
	if o.DefaultFrequency <= 0 {
		o.DefaultFrequency = d.DefaultFrequency
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = d.CycleTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = d.PersistTimeout
	}
	if o.CandleLimit <= 0 {
		o.CandleLimit = d.CandleLimit
	}
	if o.OrderBookDepth <= 0 {
		o.OrderBookDepth = d.OrderBookDepth
	}
	return o
}

// Dependencies are the collaborators of a Controller. Runtime, Signals, Events and Logger are optional.
type Dependencies struct {
	Exchanges ExchangeResolver
	Stats     StatsStore
	Runtime   RuntimeStore
	Signals   SignalGenerator
	Events    *events.EventBus
	Logger    *logging.Logger
}

// Controller owns the live bot map and the lifecycle of every bot loop
type Controller struct {
	exchanges ExchangeResolver
	stats     StatsStore
	runtime   RuntimeStore
	signals   SignalGenerator
	bus       *events.EventBus
	logger    *logging.Logger
	opts      Options

	mu       sync.RWMutex
	bots     map[string]*bot
	order    []string // Insertion order of bots
	starting map[string]struct{}
}

// NewController creates a controller with an empty live map. It starts nothing.
func NewController(deps Dependencies, opts Options) (*Controller, error) {
	if deps.Exchanges == nil {
		return nil, errors.New("engine: exchange resolver is required")
	}
	if deps.Stats == nil {
		return nil, errors.New("engine: stats store is required")
	}

	signals := deps.Signals
	if signals == nil {
		signals = strategy.NewGenerator()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Controller{
		exchanges: deps.Exchanges,
		stats:     deps.Stats,
		runtime:   deps.Runtime,
		signals:   signals,
		bus:       deps.Events,
		logger:    logger.WithComponent("engine"),
		opts:      opts.withDefaults(),
		bots:      make(map[string]*bot),
		starting:  make(map[string]struct{}),
	}, nil
}

// StartBot registers the bot and schedules its cycles. Starting a running bot is a no-op.
func (c *Controller) StartBot(ctx context.Context, spec BotSpec) error {
	if spec.ID == "" || spec.UserID == "" {
		return fmt.Errorf("%w: id and user id are required", ErrInvalidBotSpec)
	}
	if spec.Status == BotStatusArchived {
		return ErrArchived
	}

	c.mu.Lock()
	if b, ok := c.bots[spec.ID]; ok {
		c.mu.Unlock()
		if b.snapshot().Stopping {
			return ErrStopping
		}
		return nil
	}
	if _, ok := c.starting[spec.ID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.starting[spec.ID] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.starting, spec.ID)
		c.mu.Unlock()
	}()

	cfg, err := strategy.ParseConfig(spec.StrategyName, spec.Config)
	if err != nil {
		return fmt.Errorf("bot %s: %w", spec.ID, err)
	}
	if cfg.TradingFrequency <= 0 {
		cfg.TradingFrequency = c.opts.DefaultFrequency
	}

	ex, err := c.exchanges.Resolve(ctx, spec.UserID, cfg.Paper)
	if err != nil {
		return &CredentialsError{UserID: spec.UserID, Err: err}
	}
	if err := ex.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s for bot %s: %w", ex.Name(), spec.ID, err)
	}

	log := logging.BotContext(c.logger, spec.ID, spec.UserID, cfg.Symbol)

	var baseline Stats
	if prev, err := c.stats.LoadBotStats(ctx, spec.ID); err != nil {
		log.Warn("Failed to load persisted stats, starting from zero", "error", err)
	} else if prev != nil {
		baseline = prev.Stats
	}

	var positions []strategy.Position
	var lastAction time.Time
	if c.runtime != nil {
		if snap, err := c.runtime.LoadRuntime(ctx, spec.ID); err != nil {
			log.Warn("Failed to load runtime snapshot", "error", err)
		} else if snap != nil {
			positions = snap.Positions
			lastAction = snap.LastAction
		}
	}

	if restorer, ok := ex.(exchange.HoldingRestorer); ok {
		for _, p := range positions {
			if p.Side != exchange.SideBuy {
				continue
			}
			if err := restorer.RestoreHolding(p.Symbol, p.Quantity, p.EntryPrice); err != nil {
				log.Warn("Failed to restore holding on venue", "position_symbol", p.Symbol, "error", err)
			}
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &bot{
		spec:       spec,
		cfg:        cfg,
		ex:         ex,
		rules:      exchange.NewRulesCache(ex),
		baseline:   baseline,
		log:        log,
		ctx:        loopCtx,
		cancel:     cancel,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
		positions:  positions,
		lastAction: lastAction,
	}

	c.mu.Lock()
	c.bots[spec.ID] = b
	c.order = append(c.order, spec.ID)
	c.mu.Unlock()

	c.persistStats(b, false)

	go c.runLoop(b)

	log.Info("Bot started",
		"strategy", cfg.Name,
		"frequency", cfg.TradingFrequency.String(),
		"exchange", ex.Name(),
		"restored_positions", len(positions))
	c.bus.PublishBotStarted(spec.ID, spec.UserID, cfg.Name, cfg.Symbol)
	return nil
}

// StopBot cancels the schedule, waits for an in-flight cycle, disconnects the exchange,
// flushes final stats and removes the bot from the live map.
func (c *Controller) StopBot(ctx context.Context, botID string) error {
	return c.stopBot(ctx, botID, false)
}

// stopBot halts a bot. keepRunning leaves the durable running flag set so the next
// process recovers the bot.
func (c *Controller) stopBot(ctx context.Context, botID string, keepRunning bool) error {
	c.mu.Lock()
	b, ok := c.bots[botID]
	if ok {
		b.mu.Lock()
		if b.stopping {
			ok = false
		} else {
			b.stopping = true
			b.keepRunning = keepRunning
		}
		b.mu.Unlock()
	}
	c.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	b.requestStop()

	timer := time.NewTimer(c.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.log.Warn("Stop context ended before the cycle finished, cancelling it")
	case <-timer.C:
		b.log.Warn("Cycle still running at stop timeout, cancelling it")
	}
	b.cancel()

	select {
	case <-b.done:
	case <-time.After(c.opts.StopTimeout):
		b.log.Warn("Cancelled cycle did not exit, flushing final state without it")
	}

	if err := b.ex.Disconnect(); err != nil {
		b.log.Warn("Failed to disconnect exchange", "error", err)
	}

	c.persistStats(b, true)
	c.persistRuntime(b, true)

	c.mu.Lock()
	delete(c.bots, botID)
	for i, id := range c.order {
		if id == botID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	final := b.currentStats()
	b.log.Info("Bot stopped", "trades", final.Trades, "profit", final.Profit, "errors", final.Errors)
	c.bus.PublishBotStopped(botID, b.spec.UserID, final.Trades, final.Profit)
	return nil
}

// GetBotInstance returns a copy of the runtime state of a live bot
func (c *Controller) GetBotInstance(botID string) (BotRuntimeState, bool) {
	c.mu.RLock()
	b, ok := c.bots[botID]
	c.mu.RUnlock()
	if !ok {
		return BotRuntimeState{}, false
	}
	return b.snapshot(), true
}

// IsRunning reports whether the bot is in the live map
func (c *Controller) IsRunning(botID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bots[botID]
	return ok
}

// GetActiveBots returns copies of all live runtime states in start order
func (c *Controller) GetActiveBots() []BotRuntimeState {
	c.mu.RLock()
	live := make([]*bot, 0, len(c.order))
	for _, id := range c.order {
		live = append(live, c.bots[id])
	}
	c.mu.RUnlock()

	out := make([]BotRuntimeState, 0, len(live))
	for _, b := range live {
		out = append(out, b.snapshot())
	}
	return out
}

// GetStats aggregates the counters of the bots running in this process
func (c *Controller) GetStats() LiveStats {
	c.mu.RLock()
	live := make([]*bot, 0, len(c.bots))
	for _, b := range c.bots {
		live = append(live, b)
	}
	c.mu.RUnlock()

	agg := LiveStats{ActiveBots: len(live)}
	for _, b := range live {
		agg.Stats = agg.Stats.Add(b.currentStats())
	}
	return agg
}

// GetUserAggregateStats returns the durable rollup for a user
func (c *Controller) GetUserAggregateStats(ctx context.Context, userID string) (*UserAggregateStats, error) {
	return c.stats.GetUserAggregateStats(ctx, userID)
}

// RecoveryReport lists the outcome of RecoverRunning per bot
type RecoveryReport struct {
	Recovered []string
	Skipped   []string // Already live
	Failed    map[string]error
}

// RecoverRunning starts every spec that is persisted as running but absent from the live map.
// A failure for one bot does not stop recovery of the others.
func (c *Controller) RecoverRunning(ctx context.Context, specs []BotSpec) RecoveryReport {
	report := RecoveryReport{Failed: make(map[string]error)}
	for _, spec := range specs {
		if c.IsRunning(spec.ID) {
			report.Skipped = append(report.Skipped, spec.ID)
			continue
		}
		if err := c.StartBot(ctx, spec); err != nil {
			c.logger.Warn("Failed to recover bot", "bot_id", spec.ID, "user_id", spec.UserID, "error", err)
			report.Failed[spec.ID] = err
			continue
		}
		report.Recovered = append(report.Recovered, spec.ID)
	}
	if len(report.Recovered) > 0 || len(report.Failed) > 0 {
		c.logger.Info("Bot recovery finished",
			"recovered", len(report.Recovered),
			"skipped", len(report.Skipped),
			"failed", len(report.Failed))
	}
	return report
}

// Shutdown stops every live bot concurrently. Bots stay marked running in durable
// storage so RecoverRunning restarts them in the next process.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.RLock()
	ids := append([]string(nil), c.order...)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(botID string) {
			defer wg.Done()
			if err := c.stopBot(ctx, botID, true); err != nil && !errors.Is(err, ErrNotRunning) {
				c.logger.Warn("Failed to stop bot during shutdown", "bot_id", botID, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// persistStats writes baseline plus live stats. Failures are logged; in-memory state stays authoritative.
// final marks the flush of a stop; nothing is written for the bot after it.
func (c *Controller) persistStats(b *bot, final bool) {
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if b.statsFlushed {
		return
	}
	if final {
		b.statsFlushed = true
	}
	running := b.runningFlag()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()

	rec := b.persisted(running)
	if err := c.stats.SaveBotStats(ctx, rec); err != nil {
		b.log.Warn("Failed to persist bot stats", "error", err, "running", running)
		return
	}
	c.bus.PublishStats(b.spec.ID, b.spec.UserID, rec.Stats)
}

func (c *Controller) persistRuntime(b *bot, final bool) {
	if c.runtime == nil {
		return
	}
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if b.runtimeFlushed {
		return
	}
	if final {
		b.runtimeFlushed = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	defer cancel()

	snap := b.runtimeSnapshot()
	var err error
	if len(snap.Positions) == 0 && final {
		err = c.runtime.DeleteRuntime(ctx, b.spec.ID)
	} else {
		err = c.runtime.SaveRuntime(ctx, snap)
	}
	if err != nil {
		b.log.Warn("Failed to persist runtime snapshot", "error", err)
	}
}
