// README: Log-only notifier for local runs without Firebase credentials.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"roadside/internal/types"
)

type LogNotifier struct {
	seq    atomic.Int64
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "log_notifier")}
}

func (n *LogNotifier) Offer(ctx context.Context, executorID types.ID, s Summary, deadline time.Time) (Result, error) {
	id := fmt.Sprintf("log-%d", n.seq.Add(1))
	n.logger.InfoContext(ctx, "offer",
		"order_id", s.OrderID, "executor_id", executorID, "attempt", s.Attempt, "deadline", deadline, "message_id", id)
	return Result{MessageID: id}, nil
}

func (n *LogNotifier) Withdraw(ctx context.Context, executorID, orderID types.ID) error {
	n.logger.InfoContext(ctx, "offer withdrawn", "order_id", orderID, "executor_id", executorID)
	return nil
}
