package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type Sweeper interface {
	SweepOverdue(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// OverdueSweepJob recovers timers lost between a transition and its
// scheduling, or dropped by the queue.
type OverdueSweepJob struct {
	sweeper Sweeper
	spec    string
	grace   time.Duration
	limit   int
	cron    *cron.Cron
	logger  *slog.Logger
}

func NewOverdueSweepJob(sweeper Sweeper, spec string, grace time.Duration, limit int, logger *slog.Logger) *OverdueSweepJob {
	return &OverdueSweepJob{
		sweeper: sweeper,
		spec:    spec,
		grace:   grace,
		limit:   limit,
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.With("component", "overdue_sweep_job"),
	}
}

func (j *OverdueSweepJob) Start() error {
	if _, err := j.cron.AddFunc(j.spec, func() { j.Run(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.InfoContext(context.Background(), "Overdue sweep job started", "spec", j.spec, "grace", j.grace)
	return nil
}

func (j *OverdueSweepJob) Run(ctx context.Context) {
	n, err := j.sweeper.SweepOverdue(ctx, j.grace, j.limit)
	if err != nil {
		j.logger.ErrorContext(ctx, "Overdue sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.WarnContext(ctx, "Re-armed overdue timers", "orders", n)
	}
}

func (j *OverdueSweepJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.InfoContext(context.Background(), "Overdue sweep job stopped")
}
