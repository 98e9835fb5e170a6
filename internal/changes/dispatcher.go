package changes

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/kickradar/kickradar/internal/observability"
	"github.com/kickradar/kickradar/internal/schema"
)

// Subscriber receives change events. Delivery failures are logged and do
// not affect other subscribers.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, event schema.ChangeEvent) error
}

// SubscriberFunc adapts a function into a Subscriber.
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, event schema.ChangeEvent) error
}

func (s SubscriberFunc) Name() string {
	return s.ID
}

func (s SubscriberFunc) Deliver(ctx context.Context, event schema.ChangeEvent) error {
	return s.Fn(ctx, event)
}

// Dispatcher fans change events out to subscribers with bounded
// concurrency, applying the target's notification constraints first.
type Dispatcher struct {
	subscribers []Subscriber
	maxParallel int
}

// NewDispatcher builds a dispatcher over subscribers. maxParallel bounds
// concurrent deliveries per event; values below one mean serial delivery.
func NewDispatcher(subscribers []Subscriber, maxParallel int) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Dispatcher{subscribers: append([]Subscriber(nil), subscribers...), maxParallel: maxParallel}
}

// Dispatch delivers event to every subscriber, unless the target's
// constraints filter it out. It returns after all deliveries settle.
func (d *Dispatcher) Dispatch(ctx context.Context, target schema.Target, event schema.ChangeEvent) {
	if suppressed(target, event) {
		observability.Log().Debug("change event filtered by target constraints",
			observability.String("item", event.ItemKey),
			observability.String("kind", string(event.Kind)))
		return
	}

	p := pool.New().WithMaxGoroutines(d.maxParallel)
	for _, sub := range d.subscribers {
		sub := sub
		p.Go(func() {
			if err := sub.Deliver(ctx, event); err != nil {
				observability.Log().Error("change event delivery failed",
					observability.String("subscriber", sub.Name()),
					observability.String("item", event.ItemKey),
					observability.Any("error", err))
			}
		})
	}
	p.Wait()
}

// suppressed filters price-drop events still above the tracker's price
// ceiling; the drop is recorded in state but not worth a notification.
func suppressed(target schema.Target, event schema.ChangeEvent) bool {
	if event.Kind != schema.ChangePriceDropped || target.PriceCeiling == nil {
		return false
	}
	if !event.Current.HasPrice() {
		return false
	}
	return event.Current.Price.GreaterThan(*target.PriceCeiling)
}
