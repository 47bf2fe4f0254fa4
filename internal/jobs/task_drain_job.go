package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// TaskDrainJob hands due tasks to the worker on every tick.
type TaskDrainJob struct {
	drainer Drainer
	spec    string
	cron    *cron.Cron
	logger  *slog.Logger
}

func NewTaskDrainJob(drainer Drainer, spec string, logger *slog.Logger) *TaskDrainJob {
	return &TaskDrainJob{
		drainer: drainer,
		spec:    spec,
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.With("component", "task_drain_job"),
	}
}

func (j *TaskDrainJob) Start() error {
	if _, err := j.cron.AddFunc(j.spec, func() { j.Run(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.InfoContext(context.Background(), "Task drain job started", "spec", j.spec)
	return nil
}

// Run performs a single drain.
func (j *TaskDrainJob) Run(ctx context.Context) {
	n, err := j.drainer.Drain(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "Task drain failed", "claimed", n, "error", err)
		return
	}
	if n > 0 {
		j.logger.DebugContext(ctx, "Tasks drained", "claimed", n)
	}
}

func (j *TaskDrainJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.InfoContext(context.Background(), "Task drain job stopped")
}
