// README: FCM offer delivery with high-priority Android data messages.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"

	"roadside/internal/types"
)

// Sender is the part of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type FCMNotifier struct {
	sender Sender
	tokens TokenResolver
	logger *slog.Logger
}

func NewFCMNotifier(sender Sender, tokens TokenResolver, logger *slog.Logger) *FCMNotifier {
	return &FCMNotifier{sender: sender, tokens: tokens, logger: logger.With("component", "fcm_notifier")}
}

func (n *FCMNotifier) Offer(ctx context.Context, executorID types.ID, s Summary, deadline time.Time) (Result, error) {
	token, err := n.token(ctx, executorID)
	if err != nil {
		return Result{}, err
	}
	ttl := time.Until(deadline)
	if ttl < time.Second {
		ttl = time.Second
	}
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":         "offer",
			"order_id":     string(s.OrderID),
			"number":       s.Number,
			"service_type": s.ServiceType,
			"lat":          strconv.FormatFloat(s.Location.Lat, 'f', 6, 64),
			"lng":          strconv.FormatFloat(s.Location.Lng, 'f', 6, 64),
			"address":      s.Address,
			"distance_m":   strconv.FormatFloat(s.DistanceM, 'f', 0, 64),
			"eta_s":        strconv.FormatInt(int64(s.ETA/time.Second), 10),
			"attempt":      strconv.Itoa(s.Attempt),
			"deadline":     deadline.UTC().Format(time.RFC3339),
		},
		Notification: &messaging.Notification{
			Title: "New roadside job",
			Body:  fmt.Sprintf("%s request %.1f km away", s.ServiceType, s.DistanceM/1000),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}
	id, err := n.sender.Send(ctx, msg)
	if err != nil {
		return Result{}, fmt.Errorf("sending FCM offer to %s: %w", executorID, err)
	}
	n.logger.InfoContext(ctx, "offer sent", "order_id", s.OrderID, "executor_id", executorID, "message_id", id)
	return Result{MessageID: id}, nil
}

func (n *FCMNotifier) Withdraw(ctx context.Context, executorID, orderID types.ID) error {
	token, err := n.token(ctx, executorID)
	if err != nil {
		return err
	}
	_, err = n.sender.Send(ctx, &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":     "offer_withdrawn",
			"order_id": string(orderID),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		return fmt.Errorf("sending FCM withdrawal to %s: %w", executorID, err)
	}
	return nil
}

func (n *FCMNotifier) token(ctx context.Context, executorID types.ID) (string, error) {
	token, err := n.tokens.DeviceToken(ctx, executorID)
	if err != nil {
		return "", fmt.Errorf("device token for %s: %w", executorID, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDeviceToken, executorID)
	}
	return token, nil
}
