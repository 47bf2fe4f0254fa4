// README: Worker drains due tasks; timeouts run inline, searches on a bounded pool.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"roadside/internal/types"
)

type TimeoutHandler interface {
	OnTimeout(ctx context.Context, t Task) error
}

type SearchRunner interface {
	Run(ctx context.Context, orderID types.ID) error
}

// retryDelay is how far a search task is pushed back when the pool is full.
const retryDelay = 2 * time.Second

type Worker struct {
	queue    Queue
	timeouts TimeoutHandler
	searches SearchRunner
	batch    int
	pool     *errgroup.Group
	baseCtx  context.Context
	clock    func() time.Time
	logger   *slog.Logger
}

type WorkerOptions struct {
	Batch             int
	SearchConcurrency int
	Clock             func() time.Time
	Logger            *slog.Logger
}

// NewWorker builds a worker; searches started by Drain run under baseCtx so
// they outlive the drain tick that claimed them.
func NewWorker(baseCtx context.Context, queue Queue, timeouts TimeoutHandler, searches SearchRunner, opts WorkerOptions) *Worker {
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.SearchConcurrency <= 0 {
		opts.SearchConcurrency = 8
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	pool := &errgroup.Group{}
	pool.SetLimit(opts.SearchConcurrency)
	return &Worker{
		queue:    queue,
		timeouts: timeouts,
		searches: searches,
		batch:    opts.Batch,
		pool:     pool,
		baseCtx:  baseCtx,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "task_worker"),
	}
}

// Drain claims every due task and dispatches it. It returns the number of
// tasks claimed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	claimed := 0
	for {
		due, err := w.queue.Due(ctx, w.clock(), w.batch)
		if err != nil {
			return claimed, err
		}
		for _, t := range due {
			w.dispatch(ctx, t)
		}
		claimed += len(due)
		if len(due) < w.batch {
			return claimed, nil
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, t Task) {
	switch t.Kind {
	case KindTimeout:
		if err := w.timeouts.OnTimeout(ctx, t); err != nil {
			w.logger.ErrorContext(ctx, "timeout handler failed",
				"order_id", t.OrderID, "status", t.Status, "state_seq", t.StateSeq, "error", err)
		}
	case KindSearch:
		started := w.pool.TryGo(func() error {
			if err := w.searches.Run(w.baseCtx, t.OrderID); err != nil {
				w.logger.ErrorContext(w.baseCtx, "search run failed", "order_id", t.OrderID, "error", err)
			}
			return nil
		})
		if !started {
			t.DueAt = w.clock().Add(retryDelay)
			if err := w.queue.Schedule(ctx, t); err != nil {
				w.logger.ErrorContext(ctx, "requeue search", "order_id", t.OrderID, "error", err)
			}
		}
	default:
		w.logger.WarnContext(ctx, "unknown task kind", "kind", t.Kind, "order_id", t.OrderID)
	}
}

// Wait blocks until in-flight searches finish.
func (w *Worker) Wait() {
	_ = w.pool.Wait()
}
