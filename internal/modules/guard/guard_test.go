package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/config"
	"roadside/internal/types"
)

type fakeCounter struct {
	mu     sync.Mutex
	active int
	today  int
	since  time.Time
	err    error
}

func (c *fakeCounter) CountActiveByRequester(context.Context, types.ID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.err
}

func (c *fakeCounter) CountCreatedSince(_ context.Context, _ types.ID, since time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.since = since
	return c.today, c.err
}

var now = time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)

func newGuard(counter QuotaCounter, locker Locker, mutate func(*config.CreationConfig)) *Guard {
	cfg := config.CreationConfig{LockTTL: 10 * time.Second, MaxActive: 1, MaxPerDay: 3, DayLocation: "UTC"}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(locker, counter, cfg, func() time.Time { return now }, nil)
}

func TestAdmitRunsFnAndReleasesLock(t *testing.T) {
	locker := NewMemLocker(func() time.Time { return now })
	g := newGuard(&fakeCounter{}, locker, nil)

	ran := false
	err := g.Admit(context.Background(), "r1", func(context.Context) error {
		ran = true
		assert.True(t, locker.Held("create:r1"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, locker.Held("create:r1"))
}

func TestAdmitReleasesLockOnError(t *testing.T) {
	locker := NewMemLocker(func() time.Time { return now })
	g := newGuard(&fakeCounter{}, locker, nil)

	boom := errors.New("insert failed")
	err := g.Admit(context.Background(), "r1", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, locker.Held("create:r1"))

	g = newGuard(&fakeCounter{active: 1}, locker, nil)
	err = g.Admit(context.Background(), "r1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, locker.Held("create:r1"))
}

func TestAdmitRejectsConcurrentCreation(t *testing.T) {
	locker := NewMemLocker(func() time.Time { return now })
	g := newGuard(&fakeCounter{}, locker, nil)

	err := g.Admit(context.Background(), "r1", func(ctx context.Context) error {
		inner := g.Admit(ctx, "r1", func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrCreationInProgress)

		other := g.Admit(ctx, "r2", func(context.Context) error { return nil })
		assert.NoError(t, other, "locks are per requester")
		return nil
	})
	require.NoError(t, err)
}

func TestQuotaLimits(t *testing.T) {
	cases := []struct {
		name    string
		counter *fakeCounter
		kind    QuotaKind
	}{
		{"active limit", &fakeCounter{active: 1}, QuotaActive},
		{"daily limit", &fakeCounter{today: 3}, QuotaDaily},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGuard(tc.counter, NewMemLocker(nil), nil)
			err := g.Admit(context.Background(), "r1", func(context.Context) error {
				t.Fatal("fn must not run over quota")
				return nil
			})
			var qerr *QuotaExceededError
			require.ErrorAs(t, err, &qerr)
			assert.Equal(t, tc.kind, qerr.Kind)
			assert.ErrorIs(t, err, ErrQuotaExceeded)
		})
	}

	g := newGuard(&fakeCounter{active: 2, today: 9}, NewMemLocker(nil), func(cfg *config.CreationConfig) {
		cfg.MaxActive = 3
		cfg.MaxPerDay = 10
	})
	assert.NoError(t, g.Admit(context.Background(), "r1", func(context.Context) error { return nil }))
}

func TestDailyQuotaUsesConfiguredDay(t *testing.T) {
	counter := &fakeCounter{}
	g := newGuard(counter, NewMemLocker(nil), nil)
	require.NoError(t, g.Admit(context.Background(), "r1", func(context.Context) error { return nil }))
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), counter.since.UTC())

	// 23:30 UTC is already the next day in Taipei
	g = newGuard(counter, NewMemLocker(nil), func(cfg *config.CreationConfig) { cfg.DayLocation = "Asia/Taipei" })
	require.NoError(t, g.Admit(context.Background(), "r1", func(context.Context) error { return nil }))
	assert.Equal(t, time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC), counter.since.UTC())
}

func TestCounterErrorsAreWrapped(t *testing.T) {
	down := errors.New("db down")
	g := newGuard(&fakeCounter{err: down}, NewMemLocker(nil), nil)
	err := g.Admit(context.Background(), "r1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, down)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestMemLockerExpires(t *testing.T) {
	at := now
	locker := NewMemLocker(func() time.Time { return at })
	first, ok, err := locker.TryLock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = locker.TryLock(context.Background(), "k", time.Second)
	assert.False(t, ok)

	at = at.Add(2 * time.Second)
	second, ok, _ := locker.TryLock(context.Background(), "k", time.Second)
	require.True(t, ok)

	// the expired holder must not free the new holder's lock
	require.NoError(t, first.Release(context.Background()))
	assert.True(t, locker.Held("k"))
	require.NoError(t, second.Release(context.Background()))
	assert.False(t, locker.Held("k"))
}
