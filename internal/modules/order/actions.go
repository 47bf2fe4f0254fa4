// README: Entry actions run after a status is entered; one case per status.
package order

import (
	"context"
	"fmt"
	"time"

	"roadside/internal/modules/tasks"
	"roadside/internal/types"
)

type ActionKind string

const (
	ActionArmTimer        ActionKind = "arm_timer"
	ActionStartSearch     ActionKind = "start_search"
	ActionReserveExecutor ActionKind = "reserve_executor"
	ActionReleaseExecutor ActionKind = "release_executor"
	ActionRecordService   ActionKind = "record_service"
)

type Action struct {
	Kind       ActionKind
	ExecutorID types.ID
}

// entryActions lists what must happen once `next` has been persisted. prev is
// nil for a freshly created order.
func entryActions(prev, next *Order) ([]Action, error) {
	var acts []Action
	if next.Deadline != nil {
		acts = append(acts, Action{Kind: ActionArmTimer})
	}
	released := func() []Action {
		if prev != nil && prev.Executor != nil && next.Executor == nil {
			return []Action{{Kind: ActionReleaseExecutor, ExecutorID: prev.Executor.ID}}
		}
		return nil
	}

	switch next.Status {
	case StatusNew:
	case StatusSearching:
		acts = append(acts, released()...)
		acts = append(acts, Action{Kind: ActionStartSearch})
	case StatusAssigned:
		acts = append(acts, Action{Kind: ActionReserveExecutor, ExecutorID: next.Executor.ID})
	case StatusRejected:
		acts = append(acts, released()...)
	case StatusAccepted, StatusEnRoute, StatusArrived, StatusInProgress, StatusOnHold, StatusDisputed:
	case StatusCompleted:
		acts = append(acts,
			Action{Kind: ActionReleaseExecutor, ExecutorID: next.Executor.ID},
			Action{Kind: ActionRecordService, ExecutorID: next.Executor.ID},
		)
	case StatusCancelled, StatusFailed, StatusExpired:
		acts = append(acts, released()...)
	default:
		return nil, fmt.Errorf("no entry actions for status %q", next.Status)
	}
	return acts, nil
}

// runEntryActions executes actions for an already persisted order. Failures
// are logged; the transition itself has happened and the overdue sweep
// re-arms lost timers.
func (s *Service) runEntryActions(ctx context.Context, prev, next *Order) {
	acts, err := entryActions(prev, next)
	if err != nil {
		s.logger.ErrorContext(ctx, "entry actions", "order_id", next.ID, "status", next.Status, "error", err)
		return
	}
	for _, a := range acts {
		if err := s.runAction(ctx, next, a); err != nil {
			s.logger.WarnContext(ctx, "entry action failed",
				"order_id", next.ID, "status", next.Status, "action", a.Kind, "error", err)
		}
	}
}

func (s *Service) runAction(ctx context.Context, o *Order, a Action) error {
	switch a.Kind {
	case ActionArmTimer:
		return s.armTimer(ctx, o, *o.Deadline)
	case ActionStartSearch:
		return s.sched.Schedule(ctx, tasks.Task{
			Kind:     tasks.KindSearch,
			OrderID:  o.ID,
			Status:   string(o.Status),
			StateSeq: o.StateSeq,
			DueAt:    s.clock(),
		})
	case ActionReserveExecutor:
		if s.executors == nil {
			return nil
		}
		return s.executors.Reserve(ctx, a.ExecutorID, o.ID)
	case ActionReleaseExecutor:
		if s.executors == nil {
			return nil
		}
		return s.executors.Release(ctx, a.ExecutorID, o.ID)
	case ActionRecordService:
		if s.executors == nil {
			return nil
		}
		return s.executors.RecordService(ctx, o.RequesterID, a.ExecutorID)
	}
	return fmt.Errorf("unknown action %q", a.Kind)
}

func (s *Service) armTimer(ctx context.Context, o *Order, due time.Time) error {
	return s.sched.Schedule(ctx, tasks.Task{
		Kind:     tasks.KindTimeout,
		OrderID:  o.ID,
		Status:   string(o.Status),
		StateSeq: o.StateSeq,
		DueAt:    due,
	})
}
