// README: Order service implements state transitions and persistence.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"roadside/internal/config"
	"roadside/internal/modules/events"
	"roadside/internal/modules/tasks"
	"roadside/internal/types"
)

type Pricing interface {
	OrderTotal(ctx context.Context, orderID types.ID) (types.Money, error)
}

// Executors keeps executor availability in step with assignments.
type Executors interface {
	Reserve(ctx context.Context, executorID, orderID types.ID) error
	Release(ctx context.Context, executorID, orderID types.ID) error
	RecordService(ctx context.Context, requesterID, executorID types.ID) error
}

// Admitter serialises creation per requester and enforces quotas.
type Admitter interface {
	Admit(ctx context.Context, requesterID types.ID, fn func(ctx context.Context) error) error
}

type Deps struct {
	Store     Repository
	Registry  *Registry
	Policy    CancellationPolicy
	Guard     Admitter
	Scheduler tasks.Scheduler
	Events    events.Sink
	Pricing   Pricing
	Executors Executors
	Numbers   NumberSequence
	Search    config.SearchConfig
	Creation  config.CreationConfig
	Clock     func() time.Time
	Logger    *slog.Logger
}

type Service struct {
	store     Repository
	registry  *Registry
	policy    CancellationPolicy
	guard     Admitter
	sched     tasks.Scheduler
	events    events.Sink
	pricing   Pricing
	executors Executors
	numbers   NumberSequence
	search    config.SearchConfig
	creation  config.CreationConfig
	dayLoc    *time.Location
	clock     func() time.Time
	logger    *slog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		registry:  d.Registry,
		policy:    d.Policy,
		guard:     d.Guard,
		sched:     d.Scheduler,
		events:    d.Events,
		pricing:   d.Pricing,
		executors: d.Executors,
		numbers:   d.Numbers,
		search:    d.Search,
		creation:  d.Creation,
		clock:     d.Clock,
		logger:    d.Logger,
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.numbers == nil {
		s.numbers = NewMemSequence()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "order_service")
	if s.creation.NumberPrefix == "" {
		s.creation.NumberPrefix = "RS"
	}
	s.dayLoc = time.UTC
	if loc, err := time.LoadLocation(s.creation.DayLocation); err == nil && s.creation.DayLocation != "" {
		s.dayLoc = loc
	}
	return s
}

const maxAppendRetries = 5

var serviceTypes = map[string]int{
	"towing":  2,
	"winch":   2,
	"battery": 1,
	"tire":    1,
	"lockout": 1,
	"fuel":    1,
}

type CreatePayload struct {
	ServiceType string      `json:"serviceType"`
	Location    types.Point `json:"location"`
	Address     string      `json:"address"`
	Vehicle     Vehicle     `json:"vehicle"`
	Notes       string      `json:"notes"`
	Urgent      bool        `json:"urgent"`
	Total       types.Money `json:"total"`
}

func (p CreatePayload) validate(requesterID types.ID) error {
	fields := map[string]string{}
	if requesterID == "" {
		fields["requesterId"] = "required"
	}
	if _, ok := serviceTypes[p.ServiceType]; !ok {
		fields["serviceType"] = fmt.Sprintf("unknown service type %q", p.ServiceType)
	}
	if err := p.Location.Validate(); err != nil {
		fields["location"] = err.Error()
	} else if p.Location == (types.Point{}) {
		fields["location"] = "required"
	}
	if len(p.Notes) > 1000 {
		fields["notes"] = "too long"
	}
	if p.Total.Amount < 0 {
		fields["total"] = "negative"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func priorityFor(p CreatePayload) int {
	prio := serviceTypes[p.ServiceType]
	if p.Urgent {
		prio += 2
	}
	return prio
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, requesterID types.ID, p CreatePayload) (*Order, error) {
	if err := p.validate(requesterID); err != nil {
		return nil, err
	}
	actor := Actor{Role: RoleRequester, ID: requesterID}

	var created *Order
	create := func(ctx context.Context) error {
		now := s.clock()
		day := now.In(s.dayLoc)
		n, err := s.numbers.Next(ctx, day)
		if err != nil {
			return fmt.Errorf("allocate order number: %w", err)
		}
		o := &Order{
			ID:             types.NewID(),
			Number:         formatNumber(s.creation.NumberPrefix, day, n),
			RequesterID:    requesterID,
			ServiceType:    p.ServiceType,
			Location:       p.Location,
			Address:        strings.TrimSpace(p.Address),
			Vehicle:        p.Vehicle,
			Notes:          p.Notes,
			Priority:       priorityFor(p),
			Total:          p.Total,
			Status:         StatusNew,
			StateSeq:       1,
			StateEnteredAt: now,
			Timing:         Timing{StatusNew: now},
			History:        []Transition{{To: StatusNew, Actor: actor, At: now}},
			Search:         SearchState{Radius: s.search.InitialRadiusM},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		d, ok := s.registry.Timeout(StatusNew)
		o.setBudget(d, ok)
		if err := s.store.Insert(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		created = o
		return nil
	}

	var err error
	if s.guard != nil {
		err = s.guard.Admit(ctx, requesterID, create)
	} else {
		err = create(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "order created",
		"order_id", created.ID, "number", created.Number, "requester_id", requesterID, "priority", created.Priority)
	s.emitTransition(ctx, "", created, actor)
	s.runEntryActions(ctx, nil, created)
	return created, nil
}

// Submit starts the search for a NEW order.
func (s *Service) Submit(ctx context.Context, orderID types.ID, actor Actor) (*Order, error) {
	return s.Transition(ctx, orderID, StatusSearching, actor)
}

// Transition moves an order along one edge of the transition table.
// Assignment carries extra data and has its own entry point. Acceptance,
// rejection and cancellation are routed to Accept, Reject and Cancel so
// their bookkeeping always runs.
func (s *Service) Transition(ctx context.Context, orderID types.ID, to Status, actor Actor) (*Order, error) {
	switch to {
	case StatusAssigned:
		return nil, &ValidationError{Fields: map[string]string{"status": "assignment requires an executor; use Assign"}}
	case StatusCancelled:
		o, _, err := s.Cancel(ctx, CancelCommand{OrderID: orderID, Actor: actor})
		return o, err
	case StatusAccepted, StatusRejected:
		executorID, err := s.answeringExecutor(ctx, orderID, to, actor)
		if err != nil {
			return nil, err
		}
		if to == StatusAccepted {
			return s.Accept(ctx, orderID, executorID)
		}
		return s.Reject(ctx, orderID, executorID, "rejected by "+string(actor.Role))
	}
	return s.move(ctx, orderID, to, actor, nil)
}

// answeringExecutor is the executor an accept or reject is made for: the
// caller itself, or the assigned executor when staff answer on its behalf.
func (s *Service) answeringExecutor(ctx context.Context, orderID types.ID, to Status, actor Actor) (types.ID, error) {
	switch actor.Role {
	case RoleExecutor:
		return actor.ID, nil
	case RoleSupport, RoleSystem:
		cur, err := s.store.Get(ctx, orderID)
		if err != nil {
			return "", err
		}
		if cur.Status != StatusAssigned || cur.Executor == nil {
			return "", &TransitionError{From: cur.Status, To: to}
		}
		return cur.Executor.ID, nil
	}
	return "", ErrNotAssigned
}

func (s *Service) Depart(ctx context.Context, orderID types.ID, actor Actor) (*Order, error) {
	return s.move(ctx, orderID, StatusEnRoute, actor, nil)
}

func (s *Service) Arrive(ctx context.Context, orderID types.ID, actor Actor) (*Order, error) {
	return s.move(ctx, orderID, StatusArrived, actor, nil)
}

func (s *Service) StartWork(ctx context.Context, orderID types.ID, actor Actor) (*Order, error) {
	return s.move(ctx, orderID, StatusInProgress, actor, nil)
}

func (s *Service) Complete(ctx context.Context, orderID types.ID, actor Actor) (*Order, error) {
	return s.move(ctx, orderID, StatusCompleted, actor, nil)
}

func (s *Service) Fail(ctx context.Context, orderID types.ID, actor Actor, reason string) (*Order, error) {
	return s.move(ctx, orderID, StatusFailed, actor, func(next *Order, _ time.Time) error {
		next.Reason = reason
		return nil
	})
}

func (s *Service) Hold(ctx context.Context, orderID types.ID, actor Actor, reason string) (*Order, error) {
	return s.move(ctx, orderID, StatusOnHold, actor, func(next *Order, _ time.Time) error {
		next.Reason = reason
		return nil
	})
}

// Resume leaves ON_HOLD for `to`. Resuming the held status restores its
// remaining budget; any other target gets a fresh budget.
func (s *Service) Resume(ctx context.Context, orderID types.ID, to Status, actor Actor) (*Order, error) {
	return s.move(ctx, orderID, to, actor, func(next *Order, _ time.Time) error {
		if next.Status != StatusOnHold {
			return &TransitionError{From: next.Status, To: to}
		}
		next.Reason = ""
		return nil
	})
}

func (s *Service) Dispute(ctx context.Context, orderID types.ID, actor Actor, reason string) (*Order, error) {
	return s.move(ctx, orderID, StatusDisputed, actor, func(next *Order, _ time.Time) error {
		next.Reason = reason
		return nil
	})
}

// ResolveDispute closes a DISPUTED order as COMPLETED or FAILED.
func (s *Service) ResolveDispute(ctx context.Context, orderID types.ID, to Status, actor Actor) (*Order, error) {
	if to != StatusCompleted && to != StatusFailed {
		return nil, &ValidationError{Fields: map[string]string{"status": "dispute resolves to completed or failed"}}
	}
	return s.move(ctx, orderID, to, actor, func(next *Order, _ time.Time) error {
		if next.Status != StatusDisputed {
			return &TransitionError{From: next.Status, To: to}
		}
		return nil
	})
}

// Assign puts a SEARCHING order on one executor without an offer race.
func (s *Service) Assign(ctx context.Context, orderID, executorID types.ID, executorType string) (*Order, error) {
	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusSearching {
		return nil, fmt.Errorf("%w: order is %s", ErrStaleTransition, cur.Status)
	}
	if cur.Search.IsExcluded(executorID) {
		return nil, ErrOfferUnavailable
	}
	return s.transitionFrom(ctx, cur, StatusAssigned, SystemActor, func(next *Order, now time.Time) error {
		next.Executor = &ExecutorRef{ID: executorID, Type: executorType, AssignedAt: now}
		return nil
	})
}

// Accept is the executor's answer to an offer or an assignment. Any answer
// that no longer matches the order yields ErrOfferUnavailable.
func (s *Service) Accept(ctx context.Context, orderID, executorID types.ID) (*Order, error) {
	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	actor := Actor{Role: RoleExecutor, ID: executorID}

	switch cur.Status {
	case StatusSearching:
		offer, ok := cur.Search.LiveOffer(executorID, s.clock())
		if !ok || cur.Search.IsExcluded(executorID) {
			return nil, ErrOfferUnavailable
		}
		assigned, err := s.transitionFrom(ctx, cur, StatusAssigned, actor, func(next *Order, now time.Time) error {
			next.Executor = &ExecutorRef{
				ID:           executorID,
				Type:         offer.ExecutorType,
				AssignedAt:   now,
				ResponseTime: now.Sub(offer.SentAt),
			}
			return nil
		})
		if err != nil {
			return nil, offerError(err)
		}
		cur = assigned
	case StatusAssigned:
		if !cur.HeldBy(executorID) {
			return nil, ErrOfferUnavailable
		}
	default:
		return nil, ErrOfferUnavailable
	}

	accepted, err := s.transitionFrom(ctx, cur, StatusAccepted, actor, func(next *Order, now time.Time) error {
		next.Executor.AcceptedAt = &now
		if next.Executor.ResponseTime == 0 {
			next.Executor.ResponseTime = now.Sub(next.Executor.AssignedAt)
		}
		return nil
	})
	if err != nil {
		return nil, offerError(err)
	}
	return accepted, nil
}

// Reject declines an offer or an assignment. The executor is excluded from
// the rest of this order's search either way.
func (s *Service) Reject(ctx context.Context, orderID, executorID types.ID, reason string) (*Order, error) {
	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected"
	}
	actor := Actor{Role: RoleExecutor, ID: executorID}

	switch cur.Status {
	case StatusSearching:
		if _, ok := cur.Search.LiveOffer(executorID, s.clock()); !ok {
			return nil, ErrOfferUnavailable
		}
		o, err := s.appendWithRetry(ctx, orderID, func(next *Order, now time.Time) error {
			if next.Status != StatusSearching {
				return ErrOfferUnavailable
			}
			next.Search.exclude(executorID, reason, now)
			return nil
		})
		if err != nil {
			return nil, offerError(err)
		}
		return o, nil
	case StatusAssigned:
		if !cur.HeldBy(executorID) {
			return nil, ErrOfferUnavailable
		}
		rejected, err := s.transitionFrom(ctx, cur, StatusRejected, actor, func(next *Order, now time.Time) error {
			next.Executor.RejectedAt = &now
			next.Search.exclude(executorID, reason, now)
			return nil
		})
		if err != nil {
			return nil, offerError(err)
		}
		back, err := s.transitionFrom(ctx, rejected, StatusSearching, SystemActor, nil)
		if errors.Is(err, ErrStaleTransition) {
			return s.store.Get(ctx, orderID)
		}
		if err != nil {
			return nil, err
		}
		return back, nil
	}
	return nil, ErrOfferUnavailable
}

// RegisterOffers records the offers of attempt number `attempt` before they
// are pushed. It claims the attempt number: a second runner registering the
// same number gets ErrAttemptConflict. Excluded executors are dropped; the
// returned slice is what may be sent.
func (s *Service) RegisterOffers(ctx context.Context, orderID types.ID, attempt int, offers []Offer) ([]Offer, error) {
	var kept []Offer
	_, err := s.appendWithRetry(ctx, orderID, func(next *Order, _ time.Time) error {
		if next.Status != StatusSearching {
			return ErrStaleTransition
		}
		if attempt != next.Search.NextAttempt() || hasOffers(next.Search, attempt) {
			return ErrAttemptConflict
		}
		if attempt > s.search.MaxAttempts {
			return ErrSearchExhausted
		}
		kept = kept[:0]
		for _, o := range offers {
			if next.Search.IsExcluded(o.ExecutorID) {
				continue
			}
			o.Attempt = attempt
			kept = append(kept, o)
		}
		next.Search.Offers = append(next.Search.Offers, kept...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

// RecordAttempt appends a finished attempt. The runner that registered
// offers for the attempt may record it even after the order moved on.
func (s *Service) RecordAttempt(ctx context.Context, orderID types.ID, a Attempt, nextRadius int) (*Order, error) {
	o, err := s.appendWithRetry(ctx, orderID, func(next *Order, _ time.Time) error {
		owned := hasOffers(next.Search, a.Number)
		if a.Outcome == OutcomeFound && !owned {
			return fmt.Errorf("%w: attempt %d has no registered offers", ErrAttemptConflict, a.Number)
		}
		if !owned && next.Status != StatusSearching {
			return ErrStaleTransition
		}
		if a.Number != next.Search.NextAttempt() {
			return ErrAttemptConflict
		}
		if a.Number > s.search.MaxAttempts {
			return ErrSearchExhausted
		}
		next.Search.Attempts = append(next.Search.Attempts, a)
		if next.Status == StatusSearching && nextRadius > 0 {
			next.Search.Radius = nextRadius
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "search attempt recorded",
		"order_id", orderID, "attempt", a.Number, "radius", a.Radius, "outcome", a.Outcome, "candidates", len(a.Candidates))
	s.events.Publish(ctx, events.Event{
		Kind:    events.KindSearchAttempted,
		OrderID: orderID,
		At:      a.At,
		Attempt: a.Number,
		Radius:  a.Radius,
		Outcome: string(a.Outcome),
	})
	return o, nil
}

// HandleSearchFailed expires a SEARCHING order once its attempts ran out.
func (s *Service) HandleSearchFailed(ctx context.Context, orderID types.ID) error {
	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if cur.Status != StatusSearching {
		return nil
	}
	return s.expire(ctx, cur)
}

func (s *Service) expire(ctx context.Context, cur *Order) error {
	_, err := s.transitionFrom(ctx, cur, StatusExpired, SystemActor, func(next *Order, _ time.Time) error {
		next.Reason = ErrSearchExhausted.Error()
		return nil
	})
	if errors.Is(err, ErrStaleTransition) {
		return nil
	}
	if err == nil {
		s.logger.InfoContext(ctx, "order expired", "order_id", cur.ID, "attempts", len(cur.Search.Attempts))
	}
	return err
}

type CancelCommand struct {
	OrderID types.ID
	Actor   Actor
	Reason  string
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, CancellationDecision, error) {
	cur, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, CancellationDecision{}, err
	}
	switch cmd.Actor.Role {
	case RoleExecutor:
		if !cur.HeldBy(cmd.Actor.ID) {
			return nil, CancellationDecision{}, ErrNotAssigned
		}
	case RoleRequester:
		if cmd.Actor.ID != cur.RequesterID {
			return nil, CancellationDecision{}, ErrNotOwner
		}
	}
	return s.cancel(ctx, cur, cmd.Actor, cmd.Reason, "")
}

func (s *Service) cancel(ctx context.Context, cur *Order, actor Actor, reason, code string) (*Order, CancellationDecision, error) {
	dec := s.policy.Evaluate(cur, actor.Role, s.clock(), s.orderTotal(ctx, cur))
	if !dec.Allowed {
		return nil, dec, &CancellationDeniedError{Status: cur.Status, Role: actor.Role}
	}
	if code != "" {
		dec.ReasonCode = code
	}
	next, err := s.transitionFrom(ctx, cur, StatusCancelled, actor, func(next *Order, now time.Time) error {
		if actor.Role == RoleExecutor {
			next.Search.exclude(actor.ID, ReasonExecutorInitiated, now)
		}
		next.Reason = reason
		next.Cancellation = &Cancellation{
			ReasonCode:  dec.ReasonCode,
			Reason:      reason,
			ActorRole:   actor.Role,
			ActorID:     actor.ID,
			Penalty:     dec.Penalty,
			CancelledAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, dec, err
	}
	s.events.Publish(ctx, events.Event{
		Kind:       events.KindCancelled,
		OrderID:    next.ID,
		ActorRole:  string(actor.Role),
		ActorID:    actor.ID,
		At:         next.Cancellation.CancelledAt,
		Status:     string(cur.Status),
		ReasonCode: dec.ReasonCode,
		Penalty:    dec.Penalty.Amount,
		Currency:   dec.Penalty.Currency,
	})
	return next, dec, nil
}

func (s *Service) orderTotal(ctx context.Context, o *Order) types.Money {
	if s.pricing == nil {
		return o.Total
	}
	total, err := s.pricing.OrderTotal(ctx, o.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "order total unavailable, using snapshot", "order_id", o.ID, "error", err)
		return o.Total
	}
	return total
}

// SweepOverdue re-arms timers of orders whose deadline passed more than
// grace ago without the order leaving its status.
func (s *Service) SweepOverdue(ctx context.Context, grace time.Duration, limit int) (int, error) {
	now := s.clock()
	overdue, err := s.store.ListOverdue(ctx, now.Add(-grace), limit)
	if err != nil {
		return 0, err
	}
	for _, o := range overdue {
		if err := s.armTimer(ctx, o, now); err != nil {
			return 0, fmt.Errorf("re-arm %s: %w", o.ID, err)
		}
	}
	if len(overdue) > 0 {
		s.logger.WarnContext(ctx, "re-armed overdue timers", "count", len(overdue))
	}
	return len(overdue), nil
}

func (s *Service) move(ctx context.Context, orderID types.ID, to Status, actor Actor, patch func(next *Order, now time.Time) error) (*Order, error) {
	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case RoleExecutor:
		if !cur.HeldBy(actor.ID) {
			return nil, ErrNotAssigned
		}
	case RoleRequester:
		if actor.ID != cur.RequesterID {
			return nil, ErrNotOwner
		}
	}
	return s.transitionFrom(ctx, cur, to, actor, func(next *Order, now time.Time) error {
		if to == StatusSearching && cur.Status == StatusAssigned {
			next.Search.exclude(cur.Executor.ID, "reverted", now)
		}
		if patch != nil {
			return patch(next, now)
		}
		return nil
	})
}

// transitionFrom applies one edge to the loaded order and persists it with
// a conditional update keyed on the loaded status and version.
func (s *Service) transitionFrom(ctx context.Context, cur *Order, to Status, actor Actor, patch func(next *Order, now time.Time) error) (*Order, error) {
	if !CanTransition(cur.Status, to) {
		err := &TransitionError{From: cur.Status, To: to}
		s.logger.WarnContext(ctx, "rejected transition", "order_id", cur.ID, "from", cur.Status, "to", to, "actor", actor.Role)
		return nil, err
	}
	now := s.clock()
	next := cur.Clone()
	if patch != nil {
		if err := patch(next, now); err != nil {
			return nil, err
		}
	}
	if err := next.apply(to, actor, now); err != nil {
		s.logger.ErrorContext(ctx, "transition aborted", "order_id", cur.ID, "from", cur.Status, "to", to, "error", err)
		return nil, err
	}
	s.planBudget(cur, next)
	next.Version = cur.Version + 1

	ok, err := s.store.ConditionalUpdate(ctx, cur.ID, cur.Status, cur.Version, next)
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", cur.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStaleTransition, cur.Status, to)
	}

	s.logger.InfoContext(ctx, "order transition",
		"order_id", cur.ID, "from", cur.Status, "to", to, "actor", actor.Role, "state_seq", next.StateSeq)
	s.emitTransition(ctx, cur.Status, next, actor)
	s.runEntryActions(ctx, cur, next)
	return next, nil
}

// planBudget arms the time budget of the status just entered. Holding keeps
// the unused budget of the held status; resuming into it restores that.
func (s *Service) planBudget(cur, next *Order) {
	if next.Status == StatusOnHold {
		remaining := time.Duration(0)
		if cur.Deadline != nil {
			remaining = max(cur.Deadline.Sub(next.StateEnteredAt), 0)
		}
		next.Hold = &HoldState{From: cur.Status, Remaining: remaining, Armed: cur.Deadline != nil}
	} else if cur.Status == StatusOnHold {
		hold := cur.Hold
		next.Hold = nil
		if hold != nil && hold.From == next.Status {
			next.setBudget(hold.Remaining, hold.Armed)
			return
		}
	}
	d, ok := s.registry.Timeout(next.Status)
	next.setBudget(d, ok)
}

// appendWithRetry applies a status-preserving change under the conditional
// update, re-reading on version conflicts.
func (s *Service) appendWithRetry(ctx context.Context, orderID types.ID, mutate func(next *Order, now time.Time) error) (*Order, error) {
	for i := 0; i < maxAppendRetries; i++ {
		cur, err := s.store.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		now := s.clock()
		next := cur.Clone()
		if err := mutate(next, now); err != nil {
			return nil, err
		}
		if next.Status != cur.Status {
			return nil, fmt.Errorf("append changed status %s -> %s", cur.Status, next.Status)
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		ok, err := s.store.ConditionalUpdate(ctx, orderID, cur.Status, cur.Version, next)
		if err != nil {
			return nil, fmt.Errorf("update order %s: %w", orderID, err)
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrStaleTransition, maxAppendRetries)
}

func (s *Service) emitTransition(ctx context.Context, from Status, o *Order, actor Actor) {
	s.events.Publish(ctx, events.Event{
		Kind:      events.KindStatusChanged,
		OrderID:   o.ID,
		From:      string(from),
		To:        string(o.Status),
		ActorRole: string(actor.Role),
		ActorID:   actor.ID,
		At:        o.StateEnteredAt,
	})
}

func hasOffers(s SearchState, attempt int) bool {
	for _, o := range s.Offers {
		if o.Attempt == attempt {
			return true
		}
	}
	return false
}

func offerError(err error) error {
	if errors.Is(err, ErrStaleTransition) {
		return ErrOfferUnavailable
	}
	return err
}
