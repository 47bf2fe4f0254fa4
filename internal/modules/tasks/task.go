// README: Delayed tasks for order timers and search rounds.
package tasks

import (
	"context"
	"fmt"
	"time"

	"roadside/internal/types"
)

type Kind string

const (
	KindTimeout Kind = "timeout"
	KindSearch  Kind = "search"
)

// Task is fire-and-forget. Status and StateSeq identify the state the task
// was scheduled for; handlers ignore tasks whose state has since changed.
type Task struct {
	Kind     Kind      `json:"kind"`
	OrderID  types.ID  `json:"orderId"`
	Status   string    `json:"status"`
	StateSeq int       `json:"stateSeq"`
	DueAt    time.Time `json:"dueAt"`
}

func (t Task) key() string {
	return fmt.Sprintf("%s:%s:%d:%d", t.Kind, t.OrderID, t.StateSeq, t.DueAt.UnixNano())
}

type Scheduler interface {
	Schedule(ctx context.Context, t Task) error
}

// Queue hands out due tasks. A task returned by Due has been claimed and is
// not returned again, even to a concurrent caller.
type Queue interface {
	Scheduler
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
}
