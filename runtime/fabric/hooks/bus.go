// Package hooks implements fan-out hooks for fabric observability.
//
// The gateway and the turn workflow publish lifecycle events (gateway
// decisions, promotions, interrupts, supersedes, commits, failures) to the
// bus; subscribers feed dashboards, metrics, and conversation debuggers
// without coupling the runtime to any of them.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes fabric events to registered subscribers in a fan-out
	// pattern. The bus is safe for concurrent Publish, Register, and Close.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// registration order, and iteration stops at the first subscriber
	// error so critical subscribers can halt execution.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber.
		Publish(ctx context.Context, event Event) error
		// Register adds a subscriber and returns a Subscription that can
		// be closed to unregister. Register fails when sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published fabric events.
	//
	// HandleEvent should return an error only when processing fails in a
	// way that should halt the publisher; the bus stops iterating at the
	// first error, so non-critical failures should be logged and
	// swallowed.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent; after
	// it returns the subscriber receives no further events.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		fn   Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber by invoking the function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory event bus ready for immediate use.
func NewBus() Bus {
	return &bus{}
}

// Publish implements Bus. The subscriber snapshot is captured before
// iteration begins, so registrations during Publish do not affect the
// current delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs...)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.fn.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register implements Bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, fn: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, sub := range s.bus.subs {
			if sub == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
