// README: Timer callbacks; stale timers are no-ops, live ones apply the status policy.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roadside/internal/modules/events"
	"roadside/internal/modules/tasks"
)

type timeoutPolicy int

const (
	policyCancel timeoutPolicy = iota + 1
	policyRetrySearch
	policyRevert
	policyResearch
	policyWarn
	policyHoldExpired
)

func timeoutPolicyFor(s Status) (timeoutPolicy, bool) {
	switch s {
	case StatusNew:
		return policyCancel, true
	case StatusSearching:
		return policyRetrySearch, true
	case StatusAssigned:
		return policyRevert, true
	case StatusRejected:
		return policyResearch, true
	case StatusAccepted, StatusEnRoute, StatusArrived, StatusInProgress, StatusDisputed:
		return policyWarn, true
	case StatusOnHold:
		return policyHoldExpired, true
	}
	return 0, false
}

// OnTimeout handles a fired timer. A timer whose status or state entry no
// longer matches the order belongs to a superseded state and is ignored.
func (s *Service) OnTimeout(ctx context.Context, t tasks.Task) error {
	o, err := s.store.Get(ctx, t.OrderID)
	if errors.Is(err, ErrNotFound) {
		s.logger.WarnContext(ctx, "timer for unknown order", "order_id", t.OrderID)
		return nil
	}
	if err != nil {
		return err
	}
	if string(o.Status) != t.Status || o.StateSeq != t.StateSeq {
		s.logger.DebugContext(ctx, "stale timer ignored",
			"order_id", o.ID, "timer_status", t.Status, "timer_seq", t.StateSeq, "status", o.Status, "state_seq", o.StateSeq)
		return nil
	}

	err = s.applyTimeout(ctx, o)
	if errors.Is(err, ErrStaleTransition) {
		s.logger.DebugContext(ctx, "timeout lost race", "order_id", o.ID, "status", o.Status)
		return nil
	}
	return err
}

func (s *Service) applyTimeout(ctx context.Context, o *Order) error {
	policy, ok := timeoutPolicyFor(o.Status)
	if !ok {
		return fmt.Errorf("no timeout policy for status %s", o.Status)
	}
	s.logger.InfoContext(ctx, "state timed out", "order_id", o.ID, "status", o.Status, "budget", o.Budget)

	switch policy {
	case policyCancel:
		_, _, err := s.cancel(ctx, o, SystemActor, "not submitted in time", ReasonNotSubmitted)
		return err
	case policyRetrySearch:
		if len(o.Search.Attempts) >= s.search.MaxAttempts {
			return s.expire(ctx, o)
		}
		return s.rearmSearch(ctx, o)
	case policyRevert:
		unresponsive := o.Executor.ID
		_, err := s.transitionFrom(ctx, o, StatusSearching, SystemActor, func(next *Order, now time.Time) error {
			next.Search.exclude(unresponsive, "assignment_timeout", now)
			return nil
		})
		return err
	case policyResearch:
		_, err := s.transitionFrom(ctx, o, StatusSearching, SystemActor, nil)
		return err
	case policyWarn:
		return s.warnTimeout(ctx, o)
	case policyHoldExpired:
		if o.Hold != nil && Cancellable(o.Hold.From, RoleRequester) {
			_, _, err := s.cancel(ctx, o, SystemActor, "hold expired", ReasonHoldExpired)
			return err
		}
		return s.warnTimeout(ctx, o)
	}
	return nil
}

// rearmSearch keeps a SEARCHING order alive: a fresh deadline is stored,
// another search round is queued and the watchdog is armed again.
func (s *Service) rearmSearch(ctx context.Context, o *Order) error {
	d, ok := s.registry.Timeout(StatusSearching)
	if !ok {
		return nil
	}
	next, err := s.appendWithRetry(ctx, o.ID, func(next *Order, now time.Time) error {
		if next.Status != StatusSearching || next.StateSeq != o.StateSeq {
			return ErrStaleTransition
		}
		deadline := now.Add(d)
		next.Deadline = &deadline
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.sched.Schedule(ctx, tasks.Task{
		Kind:     tasks.KindSearch,
		OrderID:  next.ID,
		Status:   string(next.Status),
		StateSeq: next.StateSeq,
		DueAt:    s.clock(),
	}); err != nil {
		return err
	}
	return s.armTimer(ctx, next, *next.Deadline)
}

// warnTimeout reports an overrun and disarms the deadline so the overdue
// sweep does not fire it again.
func (s *Service) warnTimeout(ctx context.Context, o *Order) error {
	_, err := s.appendWithRetry(ctx, o.ID, func(next *Order, _ time.Time) error {
		if next.Status != o.Status || next.StateSeq != o.StateSeq {
			return ErrStaleTransition
		}
		next.Deadline = nil
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "state overran its budget", "order_id", o.ID, "status", o.Status, "budget", o.Budget)
	s.events.Publish(ctx, events.Event{
		Kind:    events.KindTimeoutWarning,
		OrderID: o.ID,
		Status:  string(o.Status),
		At:      s.clock(),
	})
	return nil
}
