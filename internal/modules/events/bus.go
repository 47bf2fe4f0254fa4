// README: Fan-out bus; each subscriber drains its own buffered channel.
package events

import (
	"context"
	"log/slog"
	"sync"
)

type Subscriber interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

type subscription struct {
	sub Subscriber
	ch  chan Event
}

type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	buffer int
	wg     sync.WaitGroup
	closed bool
	logger *slog.Logger
}

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{buffer: buffer, logger: logger.With("component", "event_bus")}
}

// Subscribe registers s and starts its delivery goroutine. Handler errors
// are logged and the event is dropped.
func (b *Bus) Subscribe(ctx context.Context, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{sub: s, ch: make(chan Event, b.buffer)}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range sub.ch {
			if err := s.Handle(ctx, e); err != nil {
				b.logger.WarnContext(ctx, "subscriber failed",
					"subscriber", s.Name(), "kind", e.Kind, "order_id", e.OrderID, "error", err)
			}
		}
	}()
}

// Publish never blocks: a full subscriber buffer drops the event.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.logger.WarnContext(ctx, "event dropped",
				"subscriber", sub.sub.Name(), "kind", e.Kind, "order_id", e.OrderID)
		}
	}
}

// Close stops accepting events and waits for subscribers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
