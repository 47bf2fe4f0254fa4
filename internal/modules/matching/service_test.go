package matching

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/config"
	"roadside/internal/modules/events"
	"roadside/internal/modules/notify"
	"roadside/internal/modules/order"
	"roadside/internal/modules/tasks"
	"roadside/internal/types"
)

var origin = types.Point{Lat: 25.0340, Lng: 121.5645}

type fakeNotifier struct {
	mu        sync.Mutex
	offered   []types.ID
	withdrawn []types.ID
	fail      map[types.ID]error
	onOffer   func(executorID types.ID, s notify.Summary)
}

func (n *fakeNotifier) Offer(_ context.Context, executorID types.ID, s notify.Summary, _ time.Time) (notify.Result, error) {
	n.mu.Lock()
	n.offered = append(n.offered, executorID)
	err := n.fail[executorID]
	hook := n.onOffer
	n.mu.Unlock()
	if err != nil {
		return notify.Result{}, err
	}
	if hook != nil {
		hook(executorID, s)
	}
	return notify.Result{MessageID: "m-" + string(executorID)}, nil
}

func (n *fakeNotifier) Withdraw(_ context.Context, executorID, _ types.ID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.withdrawn = append(n.withdrawn, executorID)
	return nil
}

func (n *fakeNotifier) Offered() []types.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.ID(nil), n.offered...)
}

func (n *fakeNotifier) Withdrawn() []types.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.ID(nil), n.withdrawn...)
}

type fakeETA struct {
	eta time.Duration
	err error
}

func (f fakeETA) ETAs(_ context.Context, origins []types.Point, _ types.Point) ([]time.Duration, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]time.Duration, len(origins))
	for i := range out {
		out[i] = f.eta
	}
	return out, nil
}

type harness struct {
	cfg      config.Config
	orders   *order.Service
	source   *MemSource
	notifier *fakeNotifier
	events   *events.Recorder
}

func newHarness(t *testing.T, mutate func(*config.SearchConfig)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Search.InitialRadiusM = 1000
	cfg.Search.RadiusStepM = 1000
	cfg.Search.MaxRadiusM = 2500
	cfg.Search.MaxAttempts = 3
	cfg.Search.AttemptDelay = time.Millisecond
	cfg.Search.OfferWindow = 50 * time.Millisecond
	cfg.Search.PollInterval = 2 * time.Millisecond
	cfg.Search.CallTimeout = time.Second
	cfg.Search.TopN = 2
	if mutate != nil {
		mutate(&cfg.Search)
	}

	h := &harness{
		cfg:      cfg,
		source:   NewMemSource(cfg.Search.StaleAfter, nil),
		notifier: &fakeNotifier{fail: map[types.ID]error{}},
		events:   &events.Recorder{},
	}
	h.orders = order.NewService(order.Deps{
		Store:     order.NewMemStore(),
		Registry:  order.NewRegistry(cfg.Timeouts),
		Policy:    order.NewCancellationPolicy(cfg.Cancellation),
		Scheduler: tasks.NewMemQueue(),
		Events:    h.events,
		Executors: h.source,
		Search:    cfg.Search,
		Creation:  cfg.Creation,
	})
	return h
}

func (h *harness) search(opts Options) *Service {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(7))
	}
	return NewService(h.source, h.notifier, h.orders, h.cfg.Search, opts)
}

// place registers an executor northOfM metres north of the origin.
func (h *harness) place(t *testing.T, id string, northOfM float64, rating float64) {
	t.Helper()
	require.NoError(t, h.source.UpsertExecutor(context.Background(), Profile{
		ExecutorID:  types.ID(id),
		Type:        "tow_truck",
		Services:    []string{"towing"},
		Rating:      rating,
		DeviceToken: "tok-" + id,
		Position:    types.Point{Lat: origin.Lat + northOfM/111_000, Lng: origin.Lng},
	}))
}

func (h *harness) newOrder(t *testing.T, submit bool) *order.Order {
	t.Helper()
	ctx := context.Background()
	requester := types.NewID()
	o, err := h.orders.Create(ctx, requester, order.CreatePayload{
		ServiceType: "towing",
		Location:    origin,
		Address:     "Xinyi Rd",
		Total:       types.Money{Amount: 10000, Currency: "USD"},
	})
	require.NoError(t, err)
	if submit {
		o, err = h.orders.Submit(ctx, o.ID, order.Actor{Role: order.RoleRequester, ID: requester})
		require.NoError(t, err)
	}
	return o
}

func (h *harness) get(t *testing.T, id types.ID) *order.Order {
	t.Helper()
	o, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestRunAcceptDuringOfferWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.place(t, "e1", 100, 4.9)
	h.place(t, "e2", 300, 4.5)
	h.place(t, "e3", 200, 2.0)
	o := h.newOrder(t, true)

	h.notifier.onOffer = func(id types.ID, s notify.Summary) {
		assert.Equal(t, o.ID, s.OrderID)
		assert.Equal(t, 7*time.Minute, s.ETA)
		if id == "e2" {
			_, err := h.orders.Accept(ctx, o.ID, id)
			assert.NoError(t, err)
		}
	}

	err := h.search(Options{ETA: fakeETA{eta: 7 * time.Minute}}).Run(ctx, o.ID)
	require.NoError(t, err)

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusAccepted, got.Status)
	require.NotNil(t, got.Executor)
	assert.Equal(t, types.ID("e2"), got.Executor.ID)
	assert.Equal(t, o.ID, h.source.ReservedFor("e2"))

	require.Len(t, got.Search.Attempts, 1)
	a := got.Search.Attempts[0]
	assert.Equal(t, order.OutcomeFound, a.Outcome)
	assert.Equal(t, 1000, a.Radius)
	require.Len(t, a.Candidates, 2)
	for _, c := range a.Candidates {
		assert.NotEqual(t, types.ID("e3"), c.ExecutorID, "low rated executor must be filtered")
		assert.True(t, c.Notified)
		assert.NotNil(t, c.NotifiedAt)
	}
	assert.Equal(t, types.ID("e1"), a.Candidates[0].ExecutorID)
	assert.ElementsMatch(t, []types.ID{"e1"}, h.notifier.Withdrawn())
}

func TestRunExpiresWhenNobodyAnswers(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "e1", 100, 4.9)
	o := h.newOrder(t, true)

	require.NoError(t, h.search(Options{}).Run(context.Background(), o.ID))

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusExpired, got.Status)
	require.Len(t, got.Search.Attempts, 3)
	for i, a := range got.Search.Attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, order.OutcomeFound, a.Outcome)
		assert.Equal(t, 1000, a.Radius)
		require.NotNil(t, a.OfferDeadline)
	}
	assert.Len(t, h.notifier.Offered(), 3)
}

func TestRunExpandsRadiusWhenEmpty(t *testing.T) {
	h := newHarness(t, nil)
	o := h.newOrder(t, true)

	require.NoError(t, h.search(Options{}).Run(context.Background(), o.ID))

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusExpired, got.Status)
	require.Len(t, got.Search.Attempts, 3)
	radii := []int{}
	for _, a := range got.Search.Attempts {
		assert.Equal(t, order.OutcomeEmpty, a.Outcome)
		radii = append(radii, a.Radius)
	}
	assert.Equal(t, []int{1000, 2000, 2500}, radii)
	assert.Len(t, h.events.OfKind(events.KindSearchAttempted), 3)
}

func TestRunRecordsSourceFailure(t *testing.T) {
	h := newHarness(t, func(c *config.SearchConfig) { c.MaxAttempts = 1 })
	h.source.Fail = errors.New("index down")
	o := h.newOrder(t, true)

	require.NoError(t, h.search(Options{}).Run(context.Background(), o.ID))

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusExpired, got.Status)
	require.Len(t, got.Search.Attempts, 1)
	assert.Equal(t, order.OutcomeFailed, got.Search.Attempts[0].Outcome)
	assert.Equal(t, "index down", got.Search.Attempts[0].Error)
}

func TestRunSkipsUnavailableCandidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *config.SearchConfig) { c.MaxAttempts = 1 })
	h.place(t, "busy", 100, 4.9)
	h.place(t, "offline", 150, 4.9)
	require.NoError(t, h.source.Reserve(ctx, "busy", types.NewID()))
	require.NoError(t, h.source.SetStatus(ctx, "offline", ExecutorOffline))
	o := h.newOrder(t, true)

	require.NoError(t, h.search(Options{}).Run(ctx, o.ID))

	got := h.get(t, o.ID)
	require.Len(t, got.Search.Attempts, 1)
	assert.Equal(t, order.OutcomeExpanded, got.Search.Attempts[0].Outcome)
	assert.Empty(t, h.notifier.Offered())
}

func TestRunFailedDeliveryRecordsFailedAttempt(t *testing.T) {
	h := newHarness(t, func(c *config.SearchConfig) { c.MaxAttempts = 1 })
	h.place(t, "e1", 100, 4.9)
	h.notifier.fail["e1"] = notify.ErrNoDeviceToken
	o := h.newOrder(t, true)

	require.NoError(t, h.search(Options{}).Run(context.Background(), o.ID))

	got := h.get(t, o.ID)
	require.Len(t, got.Search.Attempts, 1)
	a := got.Search.Attempts[0]
	assert.Equal(t, order.OutcomeFailed, a.Outcome)
	require.Len(t, a.Candidates, 1)
	assert.False(t, a.Candidates[0].Notified)
	assert.Equal(t, notify.ErrNoDeviceToken.Error(), a.Candidates[0].NotifyError)
}

func TestRunAllDeclinedMovesOn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *config.SearchConfig) {
		c.MaxAttempts = 2
		c.OfferWindow = time.Minute
	})
	h.place(t, "e1", 100, 4.9)
	h.place(t, "e2", 200, 4.7)
	o := h.newOrder(t, true)
	h.notifier.onOffer = func(id types.ID, _ notify.Summary) {
		_, err := h.orders.Reject(ctx, o.ID, id, "too far")
		assert.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- h.search(Options{}).Run(ctx, o.ID) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("search kept waiting after every executor declined")
	}

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusExpired, got.Status)
	require.Len(t, got.Search.Attempts, 2)
	assert.Equal(t, order.OutcomeFound, got.Search.Attempts[0].Outcome)
	assert.Equal(t, order.OutcomeEmpty, got.Search.Attempts[1].Outcome)
	assert.ElementsMatch(t, []types.ID{"e1", "e2"}, got.Search.ExcludedIDs())
}

func TestRunSingleOfferAssignsBest(t *testing.T) {
	h := newHarness(t, func(c *config.SearchConfig) { c.SingleOffer = true })
	h.place(t, "e1", 100, 4.9)
	h.place(t, "e2", 400, 4.0)
	o := h.newOrder(t, true)

	require.NoError(t, h.search(Options{ETA: fakeETA{err: errors.New("quota")}}).Run(context.Background(), o.ID))

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusAssigned, got.Status)
	require.NotNil(t, got.Executor)
	assert.Equal(t, types.ID("e1"), got.Executor.ID)
	assert.Equal(t, []types.ID{"e1"}, h.notifier.Offered())
	require.Len(t, got.Search.Attempts, 1)
	assert.Greater(t, got.Search.Attempts[0].Candidates[0].ETA, time.Duration(0))
}

func TestRunIgnoresOrdersNotSearching(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "e1", 100, 4.9)
	o := h.newOrder(t, false)

	require.NoError(t, h.search(Options{}).Run(context.Background(), o.ID))

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusNew, got.Status)
	assert.Empty(t, got.Search.Attempts)
	assert.Empty(t, h.notifier.Offered())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, func(c *config.SearchConfig) {
		c.AttemptDelay = time.Hour
		c.MaxAttempts = 5
	})
	o := h.newOrder(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.search(Options{}).Run(ctx, o.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusSearching, got.Status)
	assert.Len(t, got.Search.Attempts, 1)
}

func TestConcurrentRunnersNeverShareAnAttempt(t *testing.T) {
	h := newHarness(t, nil)
	o := h.newOrder(t, true)
	svc := h.search(Options{})

	const runners = 6
	var wg sync.WaitGroup
	errs := make(chan error, runners)
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Run(context.Background(), o.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusExpired, got.Status)
	require.Len(t, got.Search.Attempts, 3)
	for i, a := range got.Search.Attempts {
		assert.Equal(t, i+1, a.Number)
	}
	require.NoError(t, got.CheckInvariants())
}
