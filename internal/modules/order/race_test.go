// README: Concurrency tests for order state transitions (run with -race).
package order

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/config"
	"roadside/internal/modules/guard"
	"roadside/internal/types"
)

func TestConcurrentAcceptSameOrder(t *testing.T) {
	f := newFixture(t, nil)
	o := f.searching(t)
	ids := []types.ID{"e1", "e2", "e3", "e4", "e5"}
	f.offer(t, o.ID, ids...)

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, o.ID, id)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, ErrOfferUnavailable)
	}
	assert.Equal(t, 1, success)

	got := f.get(t, o.ID)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Len(t, got.History, 4)
}

func TestConcurrentAcceptVsCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, nil)
		o := f.searching(t)
		f.offer(t, o.ID, "e1")

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.svc.Accept(ctx, o.ID, "e1")
		}()
		go func() {
			defer wg.Done()
			_, _, cancelErr = f.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: requester("r1")})
		}()
		wg.Wait()

		for _, err := range []error{acceptErr, cancelErr} {
			if err != nil {
				require.ErrorIs(t, err, ErrStaleTransition)
			}
		}
		require.False(t, acceptErr != nil && cancelErr != nil, "one side must win")

		got := f.get(t, o.ID)
		switch {
		case cancelErr == nil:
			assert.Equal(t, StatusCancelled, got.Status)
		default:
			assert.Equal(t, StatusAccepted, got.Status)
		}
	}
}

func TestConcurrentTimeoutVsAccept(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, nil)
		o := f.searching(t)
		o, err := f.svc.Assign(ctx, o.ID, "e1", "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var acceptErr, timeoutErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.svc.Accept(ctx, o.ID, "e1")
		}()
		go func() {
			defer wg.Done()
			timeoutErr = f.svc.OnTimeout(ctx, timerFor(o))
		}()
		wg.Wait()

		require.NoError(t, timeoutErr)
		got := f.get(t, o.ID)
		if acceptErr == nil {
			assert.Equal(t, StatusAccepted, got.Status)
			assert.False(t, got.Search.IsExcluded("e1"))
		} else {
			require.ErrorIs(t, acceptErr, ErrOfferUnavailable)
			assert.Equal(t, StatusSearching, got.Status)
			assert.True(t, got.Search.IsExcluded("e1"))
		}
	}
}

func TestConcurrentRegisterOffersClaimOneAttempt(t *testing.T) {
	f := newFixture(t, nil)
	o := f.searching(t)
	deadline := f.clock.Now().Add(f.cfg.Search.OfferWindow)

	const runners = 8
	var wg sync.WaitGroup
	errs := make(chan error, runners)
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.RegisterOffers(ctx, o.ID, 1, []Offer{{ExecutorID: types.ID(fmt.Sprintf("e%d", i)), Deadline: deadline}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, ErrAttemptConflict)
	}
	assert.Equal(t, 1, success)
	assert.Len(t, f.get(t, o.ID).Search.Offers, 1)
}

func TestConcurrentCreateRespectsQuota(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		cfg.Creation.MaxActive = 1
	})
	f.svc.guard = guard.New(guard.NewMemLocker(f.clock.Now), f.store, f.cfg.Creation, f.clock.Now, nil)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(ctx, "r1", CreatePayload{ServiceType: "tire", Location: types.Point{Lat: 1, Lng: 1}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, guard.ErrCreationInProgress) && !errors.Is(err, guard.ErrQuotaExceeded) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, success)

	n, err := f.store.CountActiveByRequester(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
