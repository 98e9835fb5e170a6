package changes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kickradar/kickradar/internal/schema"
)

type captureSubscriber struct {
	mu     sync.Mutex
	id     string
	events []schema.ChangeEvent
	fail   bool
}

func (c *captureSubscriber) Name() string {
	return c.id
}

func (c *captureSubscriber) Deliver(_ context.Context, event schema.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("sink unavailable")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func dropEvent(price string) schema.ChangeEvent {
	current := record("aj4", price, true)
	previous := record("aj4", "210.00", true)
	return schema.NewChangeEvent(schema.ChangePriceDropped, &previous, current,
		time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
}

func TestDispatcherFansOutToAllSubscribers(t *testing.T) {
	first := &captureSubscriber{id: "push"}
	second := &captureSubscriber{id: "log"}
	d := NewDispatcher([]Subscriber{first, second}, 4)

	d.Dispatch(context.Background(), schema.Target{ItemKey: "aj4", Source: "nike"}, dropEvent("180.00"))
	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", first.count(), second.count())
	}
}

func TestDispatcherFailedSubscriberDoesNotBlockOthers(t *testing.T) {
	broken := &captureSubscriber{id: "push", fail: true}
	working := &captureSubscriber{id: "log"}
	d := NewDispatcher([]Subscriber{broken, working}, 2)

	d.Dispatch(context.Background(), schema.Target{ItemKey: "aj4", Source: "nike"}, dropEvent("180.00"))
	if working.count() != 1 {
		t.Fatalf("working subscriber deliveries = %d, want 1", working.count())
	}
}

func TestDispatcherPriceCeilingFiltersDrop(t *testing.T) {
	sub := &captureSubscriber{id: "push"}
	d := NewDispatcher([]Subscriber{sub}, 1)
	ceiling := decimal.RequireFromString("170.00")
	target := schema.Target{ItemKey: "aj4", Source: "nike", PriceCeiling: &ceiling}

	d.Dispatch(context.Background(), target, dropEvent("180.00"))
	if sub.count() != 0 {
		t.Fatal("drop above ceiling should be suppressed")
	}
	d.Dispatch(context.Background(), target, dropEvent("169.99"))
	if sub.count() != 1 {
		t.Fatal("drop at or below ceiling should be delivered")
	}
}

func TestDispatcherCeilingIgnoresAvailabilityEvents(t *testing.T) {
	sub := &captureSubscriber{id: "push"}
	d := NewDispatcher([]Subscriber{sub}, 1)
	ceiling := decimal.RequireFromString("100.00")
	target := schema.Target{ItemKey: "aj4", Source: "nike", PriceCeiling: &ceiling}

	previous := record("aj4", "210.00", false)
	event := schema.NewChangeEvent(schema.ChangeBecameAvailable, &previous,
		record("aj4", "210.00", true), time.Now())
	d.Dispatch(context.Background(), target, event)
	if sub.count() != 1 {
		t.Fatal("availability event should bypass the price ceiling")
	}
}

func TestSubscriberFunc(t *testing.T) {
	var got schema.ChangeEvent
	sub := SubscriberFunc{ID: "inline", Fn: func(_ context.Context, event schema.ChangeEvent) error {
		got = event
		return nil
	}}
	d := NewDispatcher([]Subscriber{sub}, 1)
	event := dropEvent("150.00")
	d.Dispatch(context.Background(), schema.Target{ItemKey: "aj4", Source: "nike"}, event)
	if got.Kind != schema.ChangePriceDropped {
		t.Fatalf("delivered kind = %s", got.Kind)
	}
	if sub.Name() != "inline" {
		t.Fatalf("name = %s", sub.Name())
	}
}
