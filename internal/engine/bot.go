package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"tradebot-engine/internal/exchange"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/strategy"
)

// qtyEpsilon absorbs float noise when matching fills against open positions
const qtyEpsilon = 1e-12

// bot is the live state of one running bot. Fields above mu are immutable after start.
type bot struct {
	spec     BotSpec
	cfg      strategy.Config
	ex       exchange.Exchange
	rules    *exchange.RulesCache
	baseline Stats
	log      *logging.Logger

	// Scheduler handle
	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu         sync.Mutex
	startedAt  time.Time
	stats      Stats
	positions  []strategy.Position
	lastAction time.Time
	lastSignal *SignalSummary
	stopping   bool
	// Durable running flag written once a stop has begun
	keepRunning bool

	// Serializes persistence; after the final flush of a stop, late cycle writes are dropped
	persistMu      sync.Mutex
	statsFlushed   bool
	runtimeFlushed bool
}

// closedTrade is one position (or part of it) closed by a fill
type closedTrade struct {
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
}

func (b *bot) requestStop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *bot) stopRequested() bool {
	select {
	case <-b.stop:
		return true
	default:
		return false
	}
}

// runningFlag is the durable running flag: true until a stop begins, then the stop's choice
func (b *bot) runningFlag() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.stopping || b.keepRunning
}

func (b *bot) snapshot() BotRuntimeState {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := BotRuntimeState{
		BotID:        b.spec.ID,
		UserID:       b.spec.UserID,
		Name:         b.spec.Name,
		StrategyName: b.cfg.Name,
		Symbol:       b.cfg.Symbol,
		Paper:        b.cfg.Paper,
		Frequency:    b.cfg.TradingFrequency,
		StartedAt:    b.startedAt,
		Stats:        b.stats,
		Positions:    append([]strategy.Position(nil), b.positions...),
		LastAction:   b.lastAction,
		Stopping:     b.stopping,
	}
	if b.lastSignal != nil {
		sig := *b.lastSignal
		state.LastSignal = &sig
	}
	return state
}

func (b *bot) currentStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *bot) openPositions() []strategy.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]strategy.Position(nil), b.positions...)
}

func (b *bot) runtimeSnapshot() RuntimeSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return RuntimeSnapshot{
		BotID:      b.spec.ID,
		Positions:  append([]strategy.Position(nil), b.positions...),
		LastAction: b.lastAction,
		UpdatedAt:  time.Now(),
	}
}

func (b *bot) recordEvaluation(at time.Time, res strategy.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAction = at
	b.lastSignal = &SignalSummary{
		Kind:       res.Kind.String(),
		Action:     res.Action(),
		Quantity:   res.Signal.Quantity,
		Confidence: res.Signal.Confidence,
		Reason:     res.Reason,
		At:         at,
	}
}

func (b *bot) recordError() {
	b.mu.Lock()
	b.stats.Errors++
	b.mu.Unlock()
}

// applyFill books an executed order: opposite-side positions close first in FIFO
// order and any remainder opens a new position. Win or loss is classified per order.
func (b *bot) applyFill(side exchange.Side, qty, price float64, at time.Time) []closedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Trades++

	var closed []closedTrade
	remaining := qty
	kept := b.positions[:0]
	for _, p := range b.positions {
		if remaining <= qtyEpsilon || p.Symbol != b.cfg.Symbol || p.Side != side.Opposite() {
			kept = append(kept, p)
			continue
		}

		matched := math.Min(remaining, p.Quantity)
		pnl := (price - p.EntryPrice) * matched
		if p.Side == exchange.SideSell {
			pnl = -pnl
		}
		closed = append(closed, closedTrade{
			EntryPrice: p.EntryPrice,
			ExitPrice:  price,
			Quantity:   matched,
			PnL:        pnl,
		})
		remaining -= matched

		if left := p.Quantity - matched; left > qtyEpsilon {
			p.Quantity = left
			kept = append(kept, p)
		}
	}
	b.positions = kept

	if remaining > qtyEpsilon {
		b.positions = append(b.positions, strategy.Position{
			Symbol:     b.cfg.Symbol,
			Side:       side,
			EntryPrice: price,
			Quantity:   remaining,
			OpenedAt:   at,
		})
	}

	if len(closed) > 0 {
		var realized float64
		for _, t := range closed {
			realized += t.PnL
		}
		b.stats.Profit += realized
		switch {
		case realized > 0:
			b.stats.WinningTrades++
		case realized < 0:
			b.stats.LosingTrades++
		}
	}

	return closed
}

// persisted is the durable record: loaded baseline plus this run's counters
func (b *bot) persisted(running bool) PersistedBotStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return PersistedBotStats{
		BotID:     b.spec.ID,
		UserID:    b.spec.UserID,
		Stats:     b.baseline.Add(b.stats),
		IsRunning: running,
		StartedAt: b.startedAt,
		UpdatedAt: time.Now(),
	}
}
