// README: Order statuses, the transition table and per-status time budgets.
package order

import (
	"time"

	"roadside/internal/config"
)

type Status string

const (
	StatusNew        Status = "new"
	StatusSearching  Status = "searching"
	StatusAssigned   Status = "assigned"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusEnRoute    Status = "en_route"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusOnHold     Status = "on_hold"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
	StatusDisputed   Status = "disputed"
	StatusExpired    Status = "expired"
)

var AllStatuses = []Status{
	StatusNew, StatusSearching, StatusAssigned, StatusAccepted, StatusRejected,
	StatusEnRoute, StatusArrived, StatusInProgress, StatusOnHold, StatusCompleted,
	StatusCancelled, StatusFailed, StatusDisputed, StatusExpired,
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusNew:        {StatusSearching, StatusCancelled},
	StatusSearching:  {StatusAssigned, StatusExpired, StatusCancelled},
	StatusAssigned:   {StatusAccepted, StatusRejected, StatusSearching, StatusCancelled},
	StatusRejected:   {StatusSearching},
	StatusAccepted:   {StatusEnRoute, StatusCancelled},
	StatusEnRoute:    {StatusArrived, StatusCancelled, StatusOnHold},
	StatusArrived:    {StatusInProgress, StatusCancelled, StatusOnHold},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusOnHold, StatusDisputed},
	StatusOnHold:     {StatusEnRoute, StatusArrived, StatusInProgress, StatusCancelled},
	StatusDisputed:   {StatusCompleted, StatusFailed, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// HasExecutor reports whether an order in s must reference an executor.
func (s Status) HasExecutor() bool {
	switch s {
	case StatusAssigned, StatusAccepted, StatusEnRoute, StatusArrived,
		StatusInProgress, StatusOnHold, StatusDisputed, StatusCompleted:
		return true
	}
	return false
}

// Registry pairs the transition table with the per-status time budgets.
type Registry struct {
	timeouts map[Status]time.Duration
}

func NewRegistry(cfg config.TimeoutConfig) *Registry {
	return &Registry{timeouts: map[Status]time.Duration{
		StatusNew:        cfg.New,
		StatusSearching:  cfg.Searching,
		StatusAssigned:   cfg.Assigned,
		StatusAccepted:   cfg.Accepted,
		StatusRejected:   cfg.Rejected,
		StatusEnRoute:    cfg.EnRoute,
		StatusArrived:    cfg.Arrived,
		StatusInProgress: cfg.InProgress,
		StatusOnHold:     cfg.OnHold,
		StatusDisputed:   cfg.Disputed,
	}}
}

// Timeout returns the budget for s. Terminal statuses and statuses with a
// zero budget have no timer.
func (r *Registry) Timeout(s Status) (time.Duration, bool) {
	if s.IsTerminal() {
		return 0, false
	}
	d, ok := r.timeouts[s]
	if !ok || d <= 0 {
		return 0, false
	}
	return d, true
}

func (r *Registry) CanTransition(from, to Status) bool {
	return CanTransition(from, to)
}
