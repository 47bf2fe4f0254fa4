// README: Pricing service computes estimates and serves order totals.
package pricing

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"roadside/internal/types"
)

var (
	ErrNoRate  = errors.New("no rate for service type")
	ErrNoTotal = errors.New("no total recorded for order")
)

// RateStore is the persistence the service needs; Store implements it.
type RateStore interface {
	GetRate(ctx context.Context, serviceType string) (Rate, error)
	GetTotal(ctx context.Context, orderID types.ID) (types.Money, error)
	PutTotal(ctx context.Context, orderID types.ID, m types.Money) error
}

// Built-in rates in minor units, used when the store has none.
var defaultRates = map[string]Rate{
	"towing":  {ServiceType: "towing", BaseFee: 6000, PerKm: 250},
	"winch":   {ServiceType: "winch", BaseFee: 8000, PerKm: 250},
	"battery": {ServiceType: "battery", BaseFee: 3500, PerKm: 100},
	"tire":    {ServiceType: "tire", BaseFee: 3000, PerKm: 100},
	"lockout": {ServiceType: "lockout", BaseFee: 4000, PerKm: 100},
	"fuel":    {ServiceType: "fuel", BaseFee: 2500, PerKm: 100},
}

const (
	nightSurchargePct  = 20
	urgentSurchargePct = 25
)

type Service struct {
	store    RateStore
	currency string
}

func NewService(store RateStore, currency string) *Service {
	return &Service{store: store, currency: currency}
}

// OrderTotal returns the authoritative total recorded for an order.
func (s *Service) OrderTotal(ctx context.Context, orderID types.ID) (types.Money, error) {
	return s.store.GetTotal(ctx, orderID)
}

func (s *Service) SetTotal(ctx context.Context, orderID types.ID, m types.Money) error {
	if m.Currency == "" {
		m.Currency = s.currency
	}
	return s.store.PutTotal(ctx, orderID, m)
}

func (s *Service) Estimate(ctx context.Context, req EstimateRequest) (EstimateResult, error) {
	rate, err := s.store.GetRate(ctx, req.ServiceType)
	if errors.Is(err, ErrNoRate) {
		var ok bool
		if rate, ok = defaultRates[req.ServiceType]; !ok {
			return EstimateResult{}, ErrNoRate
		}
	} else if err != nil {
		return EstimateResult{}, err
	}
	if rate.Currency == "" {
		rate.Currency = s.currency
	}
	return calculate(rate, req), nil
}

func calculate(rate Rate, req EstimateRequest) EstimateResult {
	breakdown := map[string]int64{"base": rate.BaseFee}
	distance := int64(math.Ceil(math.Max(req.DistanceKm, 0))) * rate.PerKm
	breakdown["distance"] = distance
	subtotal := rate.BaseFee + distance

	if isNight(req.RequestTime) {
		breakdown["night"] = subtotal * nightSurchargePct / 100
	}
	if req.Urgent {
		breakdown["urgent"] = subtotal * urgentSurchargePct / 100
	}

	total := subtotal + breakdown["night"] + breakdown["urgent"]
	return EstimateResult{TotalAmount: total, Currency: rate.Currency, Breakdown: breakdown}
}

// isNight covers 22:00 to 06:00 local time of the request.
func isNight(t time.Time) bool {
	h := t.Hour()
	return h >= 22 || h < 6
}

// MemStore is an in-memory RateStore for tests and local runs.
type MemStore struct {
	mu     sync.Mutex
	rates  map[string]Rate
	totals map[types.ID]types.Money
}

func NewMemStore() *MemStore {
	return &MemStore{rates: map[string]Rate{}, totals: map[types.ID]types.Money{}}
}

func (m *MemStore) SetRate(r Rate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[r.ServiceType] = r
}

func (m *MemStore) GetRate(_ context.Context, serviceType string) (Rate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rates[serviceType]
	if !ok {
		return Rate{}, ErrNoRate
	}
	return r, nil
}

func (m *MemStore) GetTotal(_ context.Context, orderID types.ID) (types.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.totals[orderID]
	if !ok {
		return types.Money{}, ErrNoTotal
	}
	return t, nil
}

func (m *MemStore) PutTotal(_ context.Context, orderID types.ID, t types.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[orderID] = t
	return nil
}
