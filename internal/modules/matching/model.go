// README: Executor candidates, search criteria and the candidate source contract.
package matching

import (
	"context"
	"time"

	"roadside/internal/types"
)

type ExecutorStatus string

const (
	ExecutorAvailable ExecutorStatus = "available"
	ExecutorBusy      ExecutorStatus = "busy"
	ExecutorOffline   ExecutorStatus = "offline"
)

// Profile is what an executor registers with the candidate index.
type Profile struct {
	ExecutorID  types.ID
	Type        string
	Services    []string
	Rating      float64
	DeviceToken string
	Position    types.Point
}

type Candidate struct {
	ExecutorID types.ID
	Type       string
	Position   types.Point
	DistanceM  float64
	Rating     float64
	LastSeen   time.Time
	Prior      bool
}

type Criteria struct {
	OrderID     types.ID
	RequesterID types.ID
	Location    types.Point
	RadiusM     int
	ServiceType string
	Excluded    []types.ID
	Limit       int
}

func (c Criteria) excludes(id types.ID) bool {
	for _, e := range c.Excluded {
		if e == id {
			return true
		}
	}
	return false
}

type Availability struct {
	Available bool
	Reason    string
}

const (
	reasonUnknown = "unknown"
	reasonStale   = "stale"
)

// CandidateSource finds executors near a point and reports whether one can
// take an offer right now.
type CandidateSource interface {
	Search(ctx context.Context, c Criteria) ([]Candidate, error)
	CheckAvailability(ctx context.Context, executorID types.ID) (Availability, error)
}
