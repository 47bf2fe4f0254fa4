package jobs

import (
	"fmt"
	"log/slog"

	"roadside/internal/config"
)

// JobManager coordinates all scheduled jobs in the application.
type JobManager struct {
	taskDrainJob    *TaskDrainJob
	overdueSweepJob *OverdueSweepJob
}

func NewJobManager(drainer Drainer, sweeper Sweeper, cfg config.Config, logger *slog.Logger) *JobManager {
	return &JobManager{
		taskDrainJob:    NewTaskDrainJob(drainer, cfg.Worker.DrainSpec, logger),
		overdueSweepJob: NewOverdueSweepJob(sweeper, cfg.Sweep.Spec, cfg.Sweep.Grace, cfg.Sweep.Limit, logger),
	}
}

// StartAll starts all scheduled jobs. If one fails to start, the ones
// already running are stopped.
func (jm *JobManager) StartAll() error {
	if err := jm.taskDrainJob.Start(); err != nil {
		return fmt.Errorf("failed to start task drain job: %w", err)
	}

	if err := jm.overdueSweepJob.Start(); err != nil {
		jm.taskDrainJob.Stop()
		return fmt.Errorf("failed to start overdue sweep job: %w", err)
	}

	return nil
}

// StopAll stops all scheduled jobs and waits for running ones to finish.
func (jm *JobManager) StopAll() {
	jm.overdueSweepJob.Stop()
	jm.taskDrainJob.Stop()
}
