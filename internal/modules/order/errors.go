// README: Order errors; sentinels for errors.Is plus typed errors that carry context.
package order

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound            = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrStaleTransition     = errors.New("order state changed concurrently")
	ErrValidation          = errors.New("invalid order payload")
	ErrSearchExhausted     = errors.New("search exhausted")
	ErrCancellationDenied  = errors.New("cancellation not allowed")
	ErrTimestampRegression = errors.New("timestamp earlier than current state entry")
	ErrExecutorInvariant   = errors.New("executor reference inconsistent with status")
	ErrNotAssigned         = errors.New("actor is not the assigned executor")
	ErrAttemptConflict     = errors.New("search attempt already recorded")
	ErrNotOwner            = errors.New("actor does not own the order")

	// ErrOfferUnavailable is returned to an executor whose accept or reject
	// no longer matches the order. It is a stale transition.
	ErrOfferUnavailable = fmt.Errorf("offer no longer available: %w", ErrStaleTransition)
)

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid order payload: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type CancellationDeniedError struct {
	Status Status
	Role   ActorRole
}

func (e *CancellationDeniedError) Error() string {
	return fmt.Sprintf("cancellation not allowed: %s cannot cancel in %s", e.Role, e.Status)
}

func (e *CancellationDeniedError) Unwrap() error { return ErrCancellationDenied }
