// README: Cancellation policy; decides whether an actor may cancel and what it costs.
package order

import (
	"time"

	"roadside/internal/config"
	"roadside/internal/types"
)

const (
	ReasonExecutorInitiated = "executor_initiated"
	ReasonOperator          = "operator"
	ReasonFreeWindow        = "free_window"
	ReasonExecutorArrived   = "executor_arrived"
	ReasonStandard          = "standard"
	ReasonNotCancellable    = "not_cancellable"

	// system-initiated cancellation reasons
	ReasonNotSubmitted = "not_submitted"
	ReasonHoldExpired  = "hold_expired"
)

// cancellable lists the statuses a requester or executor may cancel from.
var cancellable = map[Status]bool{
	StatusNew:       true,
	StatusSearching: true,
	StatusAssigned:  true,
	StatusAccepted:  true,
	StatusEnRoute:   true,
	StatusArrived:   true,
}

// Cancellable reports whether role may cancel an order in s. Operators may
// also cancel held and disputed orders.
func Cancellable(s Status, role ActorRole) bool {
	if !CanTransition(s, StatusCancelled) {
		return false
	}
	if cancellable[s] {
		return true
	}
	switch role {
	case RoleSystem, RoleSupport:
		return s == StatusOnHold || s == StatusDisputed
	}
	return false
}

type CancellationDecision struct {
	Allowed    bool        `json:"allowed"`
	Penalty    types.Money `json:"penalty"`
	ReasonCode string      `json:"reasonCode"`
}

type CancellationPolicy struct {
	cfg config.CancellationConfig
}

func NewCancellationPolicy(cfg config.CancellationConfig) CancellationPolicy {
	return CancellationPolicy{cfg: cfg}
}

// Evaluate applies the rules in order; the first match wins.
func (p CancellationPolicy) Evaluate(o *Order, role ActorRole, now time.Time, total types.Money) CancellationDecision {
	currency := total.Currency
	if currency == "" {
		currency = p.cfg.Currency
	}
	zero := types.Money{Currency: currency}

	if !Cancellable(o.Status, role) {
		return CancellationDecision{Allowed: false, Penalty: zero, ReasonCode: ReasonNotCancellable}
	}
	switch role {
	case RoleExecutor:
		return CancellationDecision{Allowed: true, Penalty: zero, ReasonCode: ReasonExecutorInitiated}
	case RoleSystem, RoleSupport:
		return CancellationDecision{Allowed: true, Penalty: zero, ReasonCode: ReasonOperator}
	}
	if now.Sub(o.CreatedAt) < p.cfg.FreeWindow {
		return CancellationDecision{Allowed: true, Penalty: zero, ReasonCode: ReasonFreeWindow}
	}

	maxPenalty := types.Money{Amount: p.cfg.MaxPenalty, Currency: currency}
	total.Currency = currency
	if o.Visited(StatusArrived, StatusInProgress) {
		return CancellationDecision{
			Allowed:    true,
			Penalty:    total.Scale(p.cfg.ArrivedRate).Min(maxPenalty),
			ReasonCode: ReasonExecutorArrived,
		}
	}
	return CancellationDecision{
		Allowed:    true,
		Penalty:    total.Scale(p.cfg.StandardRate).Min(maxPenalty),
		ReasonCode: ReasonStandard,
	}
}
