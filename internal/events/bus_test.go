package events

import (
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := NewEventBus()
	started := make(chan Event, 1)
	all := make(chan Event, 4)

	bus.Subscribe(EventBotStarted, func(e Event) { started <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.PublishBotStarted("b1", "u1", "dca", "BTCUSDT")

	ev := receive(t, started)
	if ev.BotID != "b1" || ev.UserID != "u1" || ev.Data["strategy"] != "dca" {
		t.Errorf("Unexpected event %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if got := receive(t, all); got.Type != EventBotStarted {
		t.Errorf("Expected BOT_STARTED on all-subscriber, got %s", got.Type)
	}

	bus.PublishCycleFailed("b1", "u1", errors.New("timeout"))
	if got := receive(t, all); got.Type != EventCycleFailed || got.Data["error"] != "timeout" {
		t.Errorf("Unexpected cycle event %+v", got)
	}

	select {
	case ev := <-started:
		t.Errorf("Type subscriber received unrelated event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_NilIsNoop(t *testing.T) {
	var bus *EventBus
	bus.PublishStats("b1", "u1", nil)
	bus.PublishTradeClosed("b1", "u1", "BTCUSDT", 1, 2, 3, 3)
}
