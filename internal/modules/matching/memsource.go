// README: In-memory executor index for tests and single-process runs.
package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roadside/internal/types"
)

type memExecutor struct {
	profile  Profile
	status   ExecutorStatus
	orderID  types.ID
	lastSeen time.Time
}

type MemSource struct {
	mu         sync.Mutex
	executors  map[types.ID]*memExecutor
	priors     map[types.ID]map[types.ID]bool
	staleAfter time.Duration
	clock      func() time.Time
	// Fail makes Search return an error, to simulate an index outage.
	Fail error
}

func NewMemSource(staleAfter time.Duration, clock func() time.Time) *MemSource {
	if clock == nil {
		clock = time.Now
	}
	return &MemSource{
		executors:  map[types.ID]*memExecutor{},
		priors:     map[types.ID]map[types.ID]bool{},
		staleAfter: staleAfter,
		clock:      clock,
	}
}

func (m *MemSource) UpsertExecutor(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[p.ExecutorID] = &memExecutor{profile: p, status: ExecutorAvailable, lastSeen: m.clock()}
	return nil
}

func (m *MemSource) UpdatePosition(_ context.Context, executorID types.ID, pos types.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executors[executorID]
	if !ok {
		return fmt.Errorf("executor %s not registered", executorID)
	}
	e.profile.Position = pos
	e.lastSeen = m.clock()
	return nil
}

func (m *MemSource) SetStatus(_ context.Context, executorID types.ID, status ExecutorStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executors[executorID]
	if !ok {
		return fmt.Errorf("executor %s not registered", executorID)
	}
	e.status = status
	return nil
}

func (m *MemSource) Search(_ context.Context, c Criteria) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	var out []Candidate
	for id, e := range m.executors {
		if c.excludes(id) || !offers(e.profile.Services, c.ServiceType) {
			continue
		}
		d := haversineM(c.Location, e.profile.Position)
		if d > float64(c.RadiusM) {
			continue
		}
		out = append(out, Candidate{
			ExecutorID: id,
			Type:       e.profile.Type,
			Position:   e.profile.Position,
			DistanceM:  d,
			Rating:     e.profile.Rating,
			LastSeen:   e.lastSeen,
			Prior:      m.priors[c.RequesterID][id],
		})
	}
	sortByDistance(out, func(c Candidate) float64 { return c.DistanceM })
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

func (m *MemSource) CheckAvailability(_ context.Context, executorID types.ID) (Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executors[executorID]
	if !ok {
		return Availability{Reason: reasonUnknown}, nil
	}
	h := map[string]string{
		"status":    string(e.status),
		"order_id":  string(e.orderID),
		"last_seen": fmt.Sprint(e.lastSeen.Unix()),
	}
	return availabilityOf(h, m.clock(), m.staleAfter), nil
}

func (m *MemSource) Reserve(_ context.Context, executorID, orderID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.executors[executorID]; ok {
		e.status = ExecutorBusy
		e.orderID = orderID
	}
	return nil
}

func (m *MemSource) Release(_ context.Context, executorID, orderID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.executors[executorID]; ok && e.orderID == orderID {
		e.status = ExecutorAvailable
		e.orderID = ""
	}
	return nil
}

func (m *MemSource) RecordService(_ context.Context, requesterID, executorID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priors[requesterID] == nil {
		m.priors[requesterID] = map[types.ID]bool{}
	}
	m.priors[requesterID][executorID] = true
	return nil
}

func (m *MemSource) DeviceToken(_ context.Context, executorID types.ID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.executors[executorID]; ok {
		return e.profile.DeviceToken, nil
	}
	return "", nil
}

// ReservedFor reports which order, if any, holds the executor.
func (m *MemSource) ReservedFor(executorID types.ID) types.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.executors[executorID]; ok {
		return e.orderID
	}
	return ""
}

func offers(services []string, serviceType string) bool {
	for _, s := range services {
		if s == serviceType {
			return true
		}
	}
	return false
}
