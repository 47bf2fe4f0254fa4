// README: Search orchestrator; runs attempts for a SEARCHING order until it leaves the state.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"roadside/internal/config"
	"roadside/internal/modules/notify"
	"roadside/internal/modules/order"
	"roadside/internal/types"
)

// Orders is the part of the lifecycle coordinator the orchestrator drives.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	RegisterOffers(ctx context.Context, orderID types.ID, attempt int, offers []order.Offer) ([]order.Offer, error)
	RecordAttempt(ctx context.Context, orderID types.ID, a order.Attempt, nextRadius int) (*order.Order, error)
	HandleSearchFailed(ctx context.Context, orderID types.ID) error
	Assign(ctx context.Context, orderID, executorID types.ID, executorType string) (*order.Order, error)
}

// ETAEstimator returns one travel time per origin, in order.
type ETAEstimator interface {
	ETAs(ctx context.Context, origins []types.Point, dest types.Point) ([]time.Duration, error)
}

type Options struct {
	ETA    ETAEstimator
	Clock  func() time.Time
	Rand   *rand.Rand
	Logger *slog.Logger
}

type Service struct {
	source   CandidateSource
	notifier notify.Notifier
	orders   Orders
	eta      ETAEstimator
	cfg      config.SearchConfig
	clock    func() time.Time
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewService(source CandidateSource, notifier notify.Notifier, orders Orders, cfg config.SearchConfig, opts Options) *Service {
	s := &Service{
		source:   source,
		notifier: notifier,
		orders:   orders,
		eta:      opts.ETA,
		cfg:      cfg,
		clock:    opts.Clock,
		rng:      opts.Rand,
		logger:   opts.Logger,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "search")
	return s
}

type round struct {
	// settled means the order left SEARCHING while offers were out.
	settled  bool
	attempts int
}

// Run searches for an executor until the order leaves SEARCHING, attempts
// run out or ctx ends. Losing a race to another runner is not an error.
func (s *Service) Run(ctx context.Context, orderID types.ID) error {
	log := s.logger.With("order_id", orderID)
	for {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != order.StatusSearching {
			log.DebugContext(ctx, "order no longer searching", "status", o.Status)
			return nil
		}
		if len(o.Search.Attempts) >= s.cfg.MaxAttempts {
			return s.orders.HandleSearchFailed(ctx, orderID)
		}

		r, err := s.attempt(ctx, o)
		switch {
		case errors.Is(err, order.ErrAttemptConflict), errors.Is(err, order.ErrStaleTransition):
			log.DebugContext(ctx, "search superseded", "error", err)
			return nil
		case errors.Is(err, order.ErrSearchExhausted):
			return s.orders.HandleSearchFailed(ctx, orderID)
		case err != nil:
			return err
		}
		if r.settled {
			return nil
		}
		if r.attempts >= s.cfg.MaxAttempts {
			return s.orders.HandleSearchFailed(ctx, orderID)
		}

		t := time.NewTimer(s.cfg.AttemptDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Service) attempt(ctx context.Context, o *order.Order) (round, error) {
	radius := o.Search.Radius
	if radius <= 0 {
		radius = s.cfg.InitialRadiusM
	}
	now := s.clock()
	a := order.Attempt{Number: o.Search.NextAttempt(), Radius: radius, At: now}
	next := min(radius+s.cfg.RadiusStepM, s.cfg.MaxRadiusM)

	cands, err := s.query(ctx, o, radius)
	if err != nil {
		a.Outcome = order.OutcomeFailed
		a.Error = err.Error()
		return s.record(ctx, o, a, next)
	}
	if len(cands) == 0 {
		a.Outcome = order.OutcomeEmpty
		return s.record(ctx, o, a, next)
	}
	eligible := s.filter(ctx, o, cands)
	if len(eligible) == 0 {
		a.Outcome = order.OutcomeExpanded
		return s.record(ctx, o, a, next)
	}

	s.rngMu.Lock()
	list := rank(eligible, radius, now, s.cfg, s.rng)
	s.rngMu.Unlock()
	topN := s.cfg.TopN
	if s.cfg.SingleOffer {
		topN = 1
	}
	top := list[:min(topN, len(list))]
	s.estimate(ctx, o, top)

	deadline := now.Add(s.cfg.OfferWindow)
	offers := make([]order.Offer, len(top))
	for i, c := range top {
		offers[i] = order.Offer{ExecutorID: c.ExecutorID, ExecutorType: c.Type, SentAt: now, Deadline: deadline}
	}
	registered, err := s.orders.RegisterOffers(ctx, o.ID, a.Number, offers)
	if err != nil {
		return round{}, err
	}
	if len(registered) == 0 {
		a.Outcome = order.OutcomeExpanded
		return s.record(ctx, o, a, next)
	}

	a.Candidates = s.deliver(ctx, o, a.Number, list, registered, deadline)
	a.OfferDeadline = &deadline
	delivered := 0
	for _, c := range a.Candidates {
		if c.Notified {
			delivered++
		}
	}
	if delivered == 0 {
		a.Outcome = order.OutcomeFailed
		a.Error = "no offer delivered"
	} else {
		a.Outcome = order.OutcomeFound
	}
	r, err := s.record(ctx, o, a, next)
	if err != nil || delivered == 0 {
		return r, err
	}

	if s.cfg.SingleOffer {
		best := registered[0]
		if _, err := s.orders.Assign(ctx, o.ID, best.ExecutorID, best.ExecutorType); err != nil {
			if errors.Is(err, order.ErrStaleTransition) {
				return round{settled: true}, nil
			}
			return round{}, fmt.Errorf("assign %s: %w", best.ExecutorID, err)
		}
		return round{settled: true}, nil
	}

	settled, err := s.await(ctx, o.ID, deadline, registered)
	if err != nil {
		return round{}, err
	}
	r.settled = settled
	return r, nil
}

func (s *Service) record(ctx context.Context, o *order.Order, a order.Attempt, nextRadius int) (round, error) {
	if a.Outcome == order.OutcomeFound {
		nextRadius = a.Radius
	}
	updated, err := s.orders.RecordAttempt(ctx, o.ID, a, nextRadius)
	if err != nil {
		return round{}, err
	}
	return round{attempts: len(updated.Search.Attempts)}, nil
}

func (s *Service) query(ctx context.Context, o *order.Order, radius int) ([]Candidate, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.source.Search(ctx, Criteria{
		OrderID:     o.ID,
		RequesterID: o.RequesterID,
		Location:    o.Location,
		RadiusM:     radius,
		ServiceType: o.ServiceType,
		Excluded:    o.Search.ExcludedIDs(),
		Limit:       s.cfg.TopN * 10,
	})
}

// filter drops excluded, low rated and unavailable executors. Availability
// checks run concurrently; a failed check counts as unavailable.
func (s *Service) filter(ctx context.Context, o *order.Order, cands []Candidate) []Candidate {
	ok := make([]bool, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, c := range cands {
		if o.Search.IsExcluded(c.ExecutorID) || c.Rating < s.cfg.MinRating {
			continue
		}
		g.Go(func() error {
			cctx, cancel := s.callContext(gctx)
			defer cancel()
			av, err := s.source.CheckAvailability(cctx, c.ExecutorID)
			if err != nil {
				s.logger.WarnContext(ctx, "availability check failed", "order_id", o.ID, "executor_id", c.ExecutorID, "error", err)
				return nil
			}
			ok[i] = av.Available
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Candidate, 0, len(cands))
	for i, c := range cands {
		if ok[i] {
			out = append(out, c)
		}
	}
	return out
}

// estimate fills ETAs, falling back to straight-line distance at the
// configured average speed when no estimator answers.
func (s *Service) estimate(ctx context.Context, o *order.Order, top []ranked) {
	if s.eta != nil {
		origins := make([]types.Point, len(top))
		for i, c := range top {
			origins[i] = c.Position
		}
		cctx, cancel := s.callContext(ctx)
		etas, err := s.eta.ETAs(cctx, origins, o.Location)
		cancel()
		if err == nil && len(etas) == len(top) {
			for i := range top {
				top[i].ETA = etas[i]
			}
			return
		}
		if err != nil {
			s.logger.WarnContext(ctx, "eta lookup failed", "order_id", o.ID, "error", err)
		}
	}
	for i := range top {
		top[i].ETA = fallbackETA(top[i].DistanceM, s.cfg.AvgSpeedKmh)
	}
}

func fallbackETA(distanceM, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		return 0
	}
	hours := distanceM / 1000 / speedKmh
	return time.Duration(hours * float64(time.Hour)).Round(time.Second)
}

// deliver pushes the registered offers concurrently and returns the ranked
// list with delivery results filled in for offered executors.
func (s *Service) deliver(ctx context.Context, o *order.Order, attempt int, list []ranked, registered []order.Offer, deadline time.Time) []order.RankedCandidate {
	out := make([]order.RankedCandidate, len(list))
	index := map[types.ID]int{}
	for i, c := range list {
		out[i] = order.RankedCandidate{
			ExecutorID:   c.ExecutorID,
			ExecutorType: c.Type,
			DistanceM:    c.DistanceM,
			ETA:          c.ETA,
			Rating:       c.Rating,
			Score:        c.Score,
		}
		index[c.ExecutorID] = i
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, off := range registered {
		i, ok := index[off.ExecutorID]
		if !ok {
			continue
		}
		sum := notify.Summary{
			OrderID:     o.ID,
			Number:      o.Number,
			ServiceType: o.ServiceType,
			Location:    o.Location,
			Address:     o.Address,
			Priority:    o.Priority,
			DistanceM:   list[i].DistanceM,
			ETA:         list[i].ETA,
			Attempt:     attempt,
		}
		g.Go(func() error {
			cctx, cancel := s.callContext(ctx)
			defer cancel()
			_, err := s.notifier.Offer(cctx, off.ExecutorID, sum, deadline)
			at := s.clock()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out[i].NotifyError = err.Error()
				s.logger.WarnContext(ctx, "offer delivery failed", "order_id", o.ID, "executor_id", off.ExecutorID, "error", err)
				return nil
			}
			out[i].Notified = true
			out[i].NotifiedAt = &at
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// await polls the order until it leaves SEARCHING, every offered executor
// declined, or the offer window closes.
func (s *Service) await(ctx context.Context, orderID types.ID, deadline time.Time, offered []order.Offer) (bool, error) {
	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return false, err
		}
		if o.Status != order.StatusSearching {
			s.withdraw(ctx, o, offered)
			return true, nil
		}
		if allDeclined(o, offered) || !s.clock().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) withdraw(ctx context.Context, o *order.Order, offered []order.Offer) {
	for _, off := range offered {
		if o.Executor != nil && o.Executor.ID == off.ExecutorID {
			continue
		}
		if err := s.notifier.Withdraw(ctx, off.ExecutorID, o.ID); err != nil {
			s.logger.WarnContext(ctx, "offer withdrawal failed", "order_id", o.ID, "executor_id", off.ExecutorID, "error", err)
		}
	}
}

func allDeclined(o *order.Order, offered []order.Offer) bool {
	for _, off := range offered {
		if !o.Search.IsExcluded(off.ExecutorID) {
			return false
		}
	}
	return true
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}
