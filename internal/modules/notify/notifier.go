// README: Offer delivery to executors; FCM in production, log-only for local runs.
package notify

import (
	"context"
	"errors"
	"time"

	"roadside/internal/types"
)

var ErrNoDeviceToken = errors.New("executor has no device token")

// Summary is what an executor sees about an offered order.
type Summary struct {
	OrderID     types.ID
	Number      string
	ServiceType string
	Location    types.Point
	Address     string
	Priority    int
	DistanceM   float64
	ETA         time.Duration
	Attempt     int
}

type Result struct {
	MessageID string
}

type Notifier interface {
	Offer(ctx context.Context, executorID types.ID, s Summary, deadline time.Time) (Result, error)
	Withdraw(ctx context.Context, executorID, orderID types.ID) error
}

type TokenResolver interface {
	DeviceToken(ctx context.Context, executorID types.ID) (string, error)
}
