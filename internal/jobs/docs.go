// Package jobs provides scheduled background tasks for the dispatch service.
//
// Jobs are cron-based (github.com/robfig/cron/v3, seconds enabled) and are
// managed through JobManager:
//
//	jobManager := jobs.NewJobManager(worker, orders, cfg, logger)
//	if err := jobManager.StartAll(); err != nil {
//		return err
//	}
//	defer jobManager.StopAll()
//
// # Available Jobs
//
// 1. TaskDrainJob - claims due timer and search tasks and dispatches them (every second by default)
// 2. OverdueSweepJob - re-arms timers of orders whose deadline passed without one firing (every minute by default)
//
// A run that is still in progress when the next tick arrives causes that
// tick to be skipped.
package jobs
