// README: Domain events emitted by the dispatch core and the sink they go to.
package events

import (
	"context"
	"sync"
	"time"

	"roadside/internal/types"
)

type Kind string

const (
	KindStatusChanged   Kind = "status_changed"
	KindSearchAttempted Kind = "search_attempted"
	KindTimeoutWarning  Kind = "timeout_warning"
	KindCancelled       Kind = "cancelled"
)

// Event is a flat record; fields not relevant to Kind stay zero.
type Event struct {
	Kind      Kind      `json:"kind"`
	OrderID   types.ID  `json:"orderId"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	ActorRole string    `json:"actorRole,omitempty"`
	ActorID   types.ID  `json:"actorId,omitempty"`
	At        time.Time `json:"at"`

	Attempt int    `json:"attempt,omitempty"`
	Radius  int    `json:"radius,omitempty"`
	Outcome string `json:"outcome,omitempty"`

	Status     string `json:"status,omitempty"`
	ReasonCode string `json:"reasonCode,omitempty"`
	Penalty    int64  `json:"penalty,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
