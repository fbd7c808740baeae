package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradebot-engine/internal/logging"
)

// RequestPriority decides how much of the weight budget a request may use.
// Orders keep access to the budget after market data has been throttled.
type RequestPriority int

const (
	// PriorityCritical - order placement and cancellation, up to 95% of the budget
	PriorityCritical RequestPriority = iota
	// PriorityHigh - account and open order reads, up to 80%
	PriorityHigh
	// PriorityNormal - market data for running bots, up to 60%
	PriorityNormal
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

func (p RequestPriority) threshold() float64 {
	switch p {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	default:
		return 0.60
	}
}

// AcquireResult is the outcome of a TryAcquire attempt
type AcquireResult struct {
	Acquired bool
	WaitTime time.Duration // Suggested wait when not acquired
	Reason   string
}

// Spot request weights per endpoint
var endpointWeights = map[string]int{
	"/api/v3/ping":         1,
	"/api/v3/ticker/24hr":  2,
	"/api/v3/klines":       2,
	"/api/v3/depth":        5,
	"/api/v3/exchangeInfo": 20,
	"/api/v3/account":      20,
	"/api/v3/order":        1,
	"/api/v3/openOrders":   6,
}

// RateLimiter tracks request weight against the per-minute IP limit and opens a
// circuit when Binance answers 429/418. One limiter is shared by every client in
// the process because the limit is per IP, not per API key.
type RateLimiter struct {
	mu sync.Mutex

	maxWeight     int
	currentWeight int
	window        time.Duration
	resetAt       time.Time

	circuitOpen       bool
	banUntil          time.Time
	consecutiveErrors int

	now func() time.Time
}

// NewRateLimiter creates a limiter for maxWeight per minute
func NewRateLimiter(maxWeight int) *RateLimiter {
	r := &RateLimiter{
		maxWeight: maxWeight,
		window:    time.Minute,
		now:       time.Now,
	}
	r.resetAt = r.now().Add(r.window)
	return r
}

var globalRateLimiter = NewRateLimiter(6000)

// GetRateLimiter returns the process-wide limiter
func GetRateLimiter() *RateLimiter {
	return globalRateLimiter
}

// TryAcquire checks and records the endpoint's weight in one step
func (r *RateLimiter) TryAcquire(endpoint string, priority RequestPriority) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.rollWindow(now)

	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return AcquireResult{WaitTime: r.banUntil.Sub(now), Reason: "circuit_breaker_open"}
		}
		r.circuitOpen = false
		logging.WithComponent("binance").Info("Rate limit circuit closed, ban expired")
	}

	weight := endpointWeight(endpoint)
	threshold := int(float64(r.maxWeight) * priority.threshold())
	if r.currentWeight+weight > threshold {
		wait := r.resetAt.Sub(now)
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		return AcquireResult{
			WaitTime: wait,
			Reason:   fmt.Sprintf("weight_limit_exceeded_for_%s_priority", strings.ToLower(priority.String())),
		}
	}

	r.currentWeight += weight
	return AcquireResult{Acquired: true}
}

// Wait blocks until the request may be sent or ctx is done
func (r *RateLimiter) Wait(ctx context.Context, endpoint string, priority RequestPriority) error {
	for {
		res := r.TryAcquire(endpoint, priority)
		if res.Acquired {
			return nil
		}
		timer := time.NewTimer(res.WaitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limited (%s): %w", res.Reason, ctx.Err())
		case <-timer.C:
		}
	}
}

// RecordSuccess resets the consecutive error count
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	r.consecutiveErrors = 0
	r.mu.Unlock()
}

// RecordRateLimitError opens the circuit. A zero retryAfter backs off exponentially.
func (r *RateLimiter) RecordRateLimitError(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	if retryAfter <= 0 {
		retryAfter = time.Duration(1<<uint(r.consecutiveErrors)) * time.Second
		if retryAfter > 5*time.Minute {
			retryAfter = 5 * time.Minute
		}
	}
	r.circuitOpen = true
	r.banUntil = r.now().Add(retryAfter)

	logging.WithComponent("binance").Warn("Rate limit circuit open",
		"until", r.banUntil.Format(time.RFC3339),
		"consecutive_errors", r.consecutiveErrors)
}

// UpdateFromHeaders raises tracked weight to what Binance reports in X-MBX-USED-WEIGHT-1M
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rollWindow(r.now())
	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}
}

// IsCircuitOpen reports whether requests are currently blocked
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen && r.now().Before(r.banUntil)
}

// Usage returns the tracked weight and the limit
func (r *RateLimiter) Usage() (current, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollWindow(r.now())
	return r.currentWeight, r.maxWeight
}

func (r *RateLimiter) rollWindow(now time.Time) {
	if now.After(r.resetAt) {
		r.currentWeight = 0
		r.resetAt = now.Add(r.window)
	}
}

func endpointWeight(endpoint string) int {
	if weight, ok := endpointWeights[endpoint]; ok {
		return weight
	}
	return 1
}
