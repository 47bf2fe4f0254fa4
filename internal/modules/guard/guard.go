// README: Creation guard; per-requester lock plus active and daily quotas.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"roadside/internal/config"
	"roadside/internal/types"
)

var (
	ErrCreationInProgress = errors.New("order creation already in progress")
	ErrQuotaExceeded      = errors.New("order quota exceeded")
)

type QuotaKind string

const (
	QuotaActive QuotaKind = "active"
	QuotaDaily  QuotaKind = "daily"
)

type QuotaExceededError struct {
	Kind    QuotaKind
	Current int
	Limit   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("order quota exceeded: %s %d/%d", e.Kind, e.Current, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// Locker grants short-lived exclusive locks. TryLock never waits.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

type QuotaCounter interface {
	CountActiveByRequester(ctx context.Context, requesterID types.ID) (int, error)
	CountCreatedSince(ctx context.Context, requesterID types.ID, since time.Time) (int, error)
}

type Guard struct {
	locker  Locker
	counter QuotaCounter
	cfg     config.CreationConfig
	loc     *time.Location
	clock   func() time.Time
	logger  *slog.Logger
}

func New(locker Locker, counter QuotaCounter, cfg config.CreationConfig, clock func() time.Time, logger *slog.Logger) *Guard {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.DayLocation)
	if err != nil || cfg.DayLocation == "" {
		loc = time.UTC
	}
	return &Guard{
		locker:  locker,
		counter: counter,
		cfg:     cfg,
		loc:     loc,
		clock:   clock,
		logger:  logger.With("component", "creation_guard"),
	}
}

// Admit runs fn while holding the requester's creation lock, after checking
// quotas. The lock is released on every return path.
func (g *Guard) Admit(ctx context.Context, requesterID types.ID, fn func(ctx context.Context) error) (err error) {
	lock, ok, err := g.locker.TryLock(ctx, "create:"+string(requesterID), g.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire creation lock: %w", err)
	}
	if !ok {
		return ErrCreationInProgress
	}
	defer func() {
		// the caller's ctx may already be done; release must still happen
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if rerr := lock.Release(relCtx); rerr != nil {
			g.logger.WarnContext(ctx, "release creation lock", "requester_id", requesterID, "error", rerr)
		}
	}()

	if err := g.checkQuota(ctx, requesterID); err != nil {
		return err
	}
	return fn(ctx)
}

func (g *Guard) checkQuota(ctx context.Context, requesterID types.ID) error {
	active, err := g.counter.CountActiveByRequester(ctx, requesterID)
	if err != nil {
		return fmt.Errorf("count active orders: %w", err)
	}
	if active >= g.cfg.MaxActive {
		return &QuotaExceededError{Kind: QuotaActive, Current: active, Limit: g.cfg.MaxActive}
	}

	now := g.clock().In(g.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)
	today, err := g.counter.CountCreatedSince(ctx, requesterID, dayStart)
	if err != nil {
		return fmt.Errorf("count daily orders: %w", err)
	}
	if today >= g.cfg.MaxPerDay {
		return &QuotaExceededError{Kind: QuotaDaily, Current: today, Limit: g.cfg.MaxPerDay}
	}
	return nil
}
