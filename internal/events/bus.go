package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventCycleFailed     EventType = "CYCLE_FAILED"
	EventStatsUpdated    EventType = "STATS_UPDATED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	BotID     string                 `json:"bot_id,omitempty"`
	UserID    string                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions.
// A nil *EventBus accepts publishes and drops them.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	for _, sub := range eb.subscribers[event.Type] {
		go sub(event) // Run in goroutine to avoid blocking the publisher
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishBotStarted publishes a bot started event
func (eb *EventBus) PublishBotStarted(botID, userID, strategy, symbol string) {
	eb.Publish(Event{
		Type:   EventBotStarted,
		BotID:  botID,
		UserID: userID,
		Data: map[string]interface{}{
			"strategy": strategy,
			"symbol":   symbol,
		},
	})
}

// PublishBotStopped publishes a bot stopped event
func (eb *EventBus) PublishBotStopped(botID, userID string, trades int, profit float64) {
	eb.Publish(Event{
		Type:   EventBotStopped,
		BotID:  botID,
		UserID: userID,
		Data: map[string]interface{}{
			"trades": trades,
			"profit": profit,
		},
	})
}

// PublishSignal publishes a signal generated event
func (eb *EventBus) PublishSignal(botID, userID, symbol, action, reason string, confidence, price float64) {
	eb.Publish(Event{
		Type:   EventSignalGenerated,
		BotID:  botID,
		UserID: userID,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"action":     action,
			"reason":     reason,
			"confidence": confidence,
			"price":      price,
		},
	})
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(botID, userID, orderID, symbol, orderType, side, status string, price, quantity float64) {
	eb.Publish(Event{
		Type:   EventOrderPlaced,
		BotID:  botID,
		UserID: userID,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"order_type": orderType,
			"side":       side,
			"status":     status,
			"price":      price,
			"quantity":   quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(botID, userID, symbol string, entryPrice, exitPrice, quantity, pnl float64) {
	eb.Publish(Event{
		Type:   EventTradeClosed,
		BotID:  botID,
		UserID: userID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
		},
	})
}

// PublishCycleFailed publishes a failed cycle
func (eb *EventBus) PublishCycleFailed(botID, userID string, err error) {
	data := map[string]interface{}{}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:   EventCycleFailed,
		BotID:  botID,
		UserID: userID,
		Data:   data,
	})
}

// PublishStats publishes updated bot statistics
func (eb *EventBus) PublishStats(botID, userID string, stats interface{}) {
	eb.Publish(Event{
		Type:   EventStatsUpdated,
		BotID:  botID,
		UserID: userID,
		Data: map[string]interface{}{
			"stats": stats,
		},
	})
}
