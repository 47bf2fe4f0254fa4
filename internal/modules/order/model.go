// README: Order aggregate, its search record and the invariants every update must keep.
package order

import (
	"encoding/json"
	"fmt"
	"time"

	"roadside/internal/types"
)

type ActorRole string

const (
	RoleRequester ActorRole = "requester"
	RoleExecutor  ActorRole = "executor"
	RoleSystem    ActorRole = "system"
	RoleSupport   ActorRole = "support"
)

type Actor struct {
	Role ActorRole `json:"role"`
	ID   types.ID  `json:"id,omitempty"`
}

var SystemActor = Actor{Role: RoleSystem}

type Vehicle struct {
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Plate string `json:"plate,omitempty"`
	Color string `json:"color,omitempty"`
}

// Timing records the first time the order entered each status. Entries are
// never overwritten; revisits show up in History only.
type Timing map[Status]time.Time

var timingNames = map[Status]string{
	StatusNew:        "createdAt",
	StatusSearching:  "searchStartedAt",
	StatusAssigned:   "assignedAt",
	StatusAccepted:   "acceptedAt",
	StatusRejected:   "rejectedAt",
	StatusEnRoute:    "enRouteAt",
	StatusArrived:    "arrivedAt",
	StatusInProgress: "startedAt",
	StatusOnHold:     "onHoldAt",
	StatusCompleted:  "completedAt",
	StatusCancelled:  "cancelledAt",
	StatusFailed:     "failedAt",
	StatusDisputed:   "disputedAt",
	StatusExpired:    "expiredAt",
}

func (t Timing) MarshalJSON() ([]byte, error) {
	out := make(map[string]time.Time, len(t))
	for s, at := range t {
		name, ok := timingNames[s]
		if !ok {
			return nil, fmt.Errorf("timing: unknown status %q", s)
		}
		out[name] = at
	}
	return json.Marshal(out)
}

func (t *Timing) UnmarshalJSON(b []byte) error {
	var in map[string]time.Time
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := make(Timing, len(in))
	for s, name := range timingNames {
		if at, ok := in[name]; ok {
			out[s] = at
		}
	}
	*t = out
	return nil
}

type Transition struct {
	From  Status    `json:"from,omitempty"`
	To    Status    `json:"to"`
	Actor Actor     `json:"actor"`
	At    time.Time `json:"at"`
}

type ExclusionEntry struct {
	ExecutorID types.ID  `json:"executorId"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

type Outcome string

const (
	OutcomeFound    Outcome = "found"
	OutcomeEmpty    Outcome = "empty"
	OutcomeExpanded Outcome = "expanded"
	OutcomeFailed   Outcome = "failed"
)

type RankedCandidate struct {
	ExecutorID   types.ID      `json:"executorId"`
	ExecutorType string        `json:"executorType,omitempty"`
	DistanceM    float64       `json:"distanceM"`
	ETA          time.Duration `json:"eta,omitempty"`
	Rating       float64       `json:"rating"`
	Score        float64       `json:"score"`
	Notified     bool          `json:"notified"`
	NotifiedAt   *time.Time    `json:"notifiedAt,omitempty"`
	NotifyError  string        `json:"notifyError,omitempty"`
}

// Attempt is one search round. It is appended once and never edited.
type Attempt struct {
	Number        int               `json:"number"`
	Radius        int               `json:"radius"`
	At            time.Time         `json:"at"`
	OfferDeadline *time.Time        `json:"offerDeadline,omitempty"`
	Candidates    []RankedCandidate `json:"candidates,omitempty"`
	Outcome       Outcome           `json:"outcome"`
	Error         string            `json:"error,omitempty"`
}

// Offer is registered before the push goes out so an executor answering
// quickly always finds it.
type Offer struct {
	Attempt      int       `json:"attempt"`
	ExecutorID   types.ID  `json:"executorId"`
	ExecutorType string    `json:"executorType,omitempty"`
	SentAt       time.Time `json:"sentAt"`
	Deadline     time.Time `json:"deadline"`
}

type SearchState struct {
	Radius   int              `json:"radius"`
	Excluded []ExclusionEntry `json:"excluded,omitempty"`
	Attempts []Attempt        `json:"attempts,omitempty"`
	Offers   []Offer          `json:"offers,omitempty"`
}

func (s SearchState) IsExcluded(id types.ID) bool {
	for _, e := range s.Excluded {
		if e.ExecutorID == id {
			return true
		}
	}
	return false
}

func (s SearchState) ExcludedIDs() []types.ID {
	ids := make([]types.ID, len(s.Excluded))
	for i, e := range s.Excluded {
		ids[i] = e.ExecutorID
	}
	return ids
}

// LiveOffer returns the newest unexpired offer held by id.
func (s SearchState) LiveOffer(id types.ID, now time.Time) (Offer, bool) {
	for i := len(s.Offers) - 1; i >= 0; i-- {
		o := s.Offers[i]
		if o.ExecutorID == id && !now.After(o.Deadline) {
			return o, true
		}
	}
	return Offer{}, false
}

func (s SearchState) NextAttempt() int {
	return len(s.Attempts) + 1
}

func (s *SearchState) exclude(id types.ID, reason string, now time.Time) {
	if id == "" || s.IsExcluded(id) {
		return
	}
	s.Excluded = append(s.Excluded, ExclusionEntry{ExecutorID: id, Reason: reason, At: now})
}

type ExecutorRef struct {
	ID           types.ID      `json:"id"`
	Type         string        `json:"type,omitempty"`
	AssignedAt   time.Time     `json:"assignedAt"`
	AcceptedAt   *time.Time    `json:"acceptedAt,omitempty"`
	RejectedAt   *time.Time    `json:"rejectedAt,omitempty"`
	ReleasedAt   *time.Time    `json:"releasedAt,omitempty"`
	ResponseTime time.Duration `json:"responseTime,omitempty"`
}

type Cancellation struct {
	ReasonCode  string      `json:"reasonCode"`
	Reason      string      `json:"reason,omitempty"`
	ActorRole   ActorRole   `json:"actorRole"`
	ActorID     types.ID    `json:"actorId,omitempty"`
	Penalty     types.Money `json:"penalty"`
	CancelledAt time.Time   `json:"cancelledAt"`
}

// HoldState keeps the unused budget of the status that was put on hold.
type HoldState struct {
	From      Status        `json:"from"`
	Remaining time.Duration `json:"remaining"`
	Armed     bool          `json:"armed"`
}

type Order struct {
	ID          types.ID    `json:"id"`
	Number      string      `json:"number"`
	RequesterID types.ID    `json:"requesterId"`
	ServiceType string      `json:"serviceType"`
	Location    types.Point `json:"location"`
	Address     string      `json:"address,omitempty"`
	Vehicle     Vehicle     `json:"vehicle"`
	Notes       string      `json:"notes,omitempty"`
	Priority    int         `json:"priority"`
	Total       types.Money `json:"total"`

	Status         Status        `json:"status"`
	Version        int           `json:"version"`
	StateSeq       int           `json:"stateSeq"`
	StateEnteredAt time.Time     `json:"stateEnteredAt"`
	Budget         time.Duration `json:"budget,omitempty"`
	Deadline       *time.Time    `json:"deadline,omitempty"`
	Reason         string        `json:"reason,omitempty"`

	Timing          Timing        `json:"timing"`
	History         []Transition  `json:"history"`
	Search          SearchState   `json:"search"`
	Executor        *ExecutorRef  `json:"executor,omitempty"`
	ExecutorHistory []ExecutorRef `json:"executorHistory,omitempty"`
	Hold            *HoldState    `json:"hold,omitempty"`
	Cancellation    *Cancellation `json:"cancellation,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Visited reports whether the order ever entered any of statuses.
func (o *Order) Visited(statuses ...Status) bool {
	for _, s := range statuses {
		if _, ok := o.Timing[s]; ok {
			return true
		}
	}
	return false
}

func (o *Order) HeldBy(id types.ID) bool {
	return o.Executor != nil && o.Executor.ID == id
}

// apply moves the order to `to`, stamping timing and history. Callers set
// the executor before entering a with-executor status; leaving the group
// moves the current executor to ExecutorHistory.
func (o *Order) apply(to Status, actor Actor, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{From: o.Status, To: to}
	}
	if now.Before(o.StateEnteredAt) {
		return fmt.Errorf("%w: %s before %s", ErrTimestampRegression, now.Format(time.RFC3339Nano), o.StateEnteredAt.Format(time.RFC3339Nano))
	}
	if !to.HasExecutor() && o.Executor != nil {
		ref := *o.Executor
		ref.ReleasedAt = &now
		o.ExecutorHistory = append(o.ExecutorHistory, ref)
		o.Executor = nil
	}
	if to.HasExecutor() && o.Executor == nil {
		return fmt.Errorf("%w: entering %s without executor", ErrExecutorInvariant, to)
	}

	o.History = append(o.History, Transition{From: o.Status, To: to, Actor: actor, At: now})
	o.Status = to
	o.StateSeq++
	o.StateEnteredAt = now
	if o.Timing == nil {
		o.Timing = Timing{}
	}
	if _, ok := o.Timing[to]; !ok {
		o.Timing[to] = now
	}
	o.UpdatedAt = now
	return nil
}

// setBudget records the time budget armed for the current status.
func (o *Order) setBudget(d time.Duration, armed bool) {
	if !armed {
		o.Budget = 0
		o.Deadline = nil
		return
	}
	if d < 0 {
		d = 0
	}
	deadline := o.StateEnteredAt.Add(d)
	o.Budget = d
	o.Deadline = &deadline
}

func (o *Order) Clone() *Order {
	c := *o
	if o.Deadline != nil {
		d := *o.Deadline
		c.Deadline = &d
	}
	c.Timing = make(Timing, len(o.Timing))
	for k, v := range o.Timing {
		c.Timing[k] = v
	}
	c.History = append([]Transition(nil), o.History...)
	c.Search.Excluded = append([]ExclusionEntry(nil), o.Search.Excluded...)
	c.Search.Offers = append([]Offer(nil), o.Search.Offers...)
	c.Search.Attempts = make([]Attempt, len(o.Search.Attempts))
	for i, a := range o.Search.Attempts {
		a.Candidates = append([]RankedCandidate(nil), a.Candidates...)
		c.Search.Attempts[i] = a
	}
	if o.Executor != nil {
		e := *o.Executor
		c.Executor = &e
	}
	c.ExecutorHistory = append([]ExecutorRef(nil), o.ExecutorHistory...)
	if o.Hold != nil {
		h := *o.Hold
		c.Hold = &h
	}
	if o.Cancellation != nil {
		cc := *o.Cancellation
		c.Cancellation = &cc
	}
	return &c
}

// CheckInvariants verifies the structural rules every persisted order obeys.
func (o *Order) CheckInvariants() error {
	if !o.Status.Valid() {
		return fmt.Errorf("unknown status %q", o.Status)
	}
	if o.Status.HasExecutor() != (o.Executor != nil) {
		return fmt.Errorf("%w: status %s executor=%v", ErrExecutorInvariant, o.Status, o.Executor != nil)
	}
	if o.StateSeq != len(o.History) {
		return fmt.Errorf("state seq %d does not match %d history entries", o.StateSeq, len(o.History))
	}
	if n := len(o.History); n > 0 && o.History[n-1].To != o.Status {
		return fmt.Errorf("last history entry %s does not match status %s", o.History[n-1].To, o.Status)
	}
	for i := 1; i < len(o.History); i++ {
		if o.History[i].At.Before(o.History[i-1].At) {
			return fmt.Errorf("%w: history entry %d", ErrTimestampRegression, i)
		}
	}
	for _, h := range o.History {
		if _, ok := o.Timing[h.To]; !ok {
			return fmt.Errorf("missing timing for visited status %s", h.To)
		}
	}
	for i, a := range o.Search.Attempts {
		if a.Number != i+1 {
			return fmt.Errorf("attempt %d numbered %d", i+1, a.Number)
		}
	}
	if (o.Status == StatusCancelled) != (o.Cancellation != nil) {
		return fmt.Errorf("cancellation record inconsistent with status %s", o.Status)
	}
	if o.Status == StatusOnHold && o.Hold == nil {
		return fmt.Errorf("on hold without hold state")
	}
	return nil
}
