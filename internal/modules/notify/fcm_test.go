package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/types"
)

type fakeSender struct {
	sent []*messaging.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg *messaging.Message) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return "projects/p/messages/1", nil
}

type tokenMap map[types.ID]string

func (m tokenMap) DeviceToken(_ context.Context, id types.ID) (string, error) {
	if id == "broken" {
		return "", errors.New("redis down")
	}
	return m[id], nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFCMOfferMessage(t *testing.T) {
	sender := &fakeSender{}
	n := NewFCMNotifier(sender, tokenMap{"e1": "tok-e1"}, quietLogger())
	deadline := time.Now().Add(30 * time.Second)

	res, err := n.Offer(context.Background(), "e1", Summary{
		OrderID:     "o1",
		Number:      "RS-20260314-00001",
		ServiceType: "towing",
		Location:    types.Point{Lat: 25.033, Lng: 121.5654},
		DistanceM:   2400,
		ETA:         6 * time.Minute,
		Attempt:     2,
	}, deadline)
	require.NoError(t, err)
	assert.Equal(t, "projects/p/messages/1", res.MessageID)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "tok-e1", msg.Token)
	assert.Equal(t, "offer", msg.Data["type"])
	assert.Equal(t, "o1", msg.Data["order_id"])
	assert.Equal(t, "25.033000", msg.Data["lat"])
	assert.Equal(t, "2400", msg.Data["distance_m"])
	assert.Equal(t, "360", msg.Data["eta_s"])
	assert.Equal(t, "2", msg.Data["attempt"])
	assert.Equal(t, deadline.UTC().Format(time.RFC3339), msg.Data["deadline"])
	assert.Equal(t, "high", msg.Android.Priority)
	require.NotNil(t, msg.Android.TTL)
	assert.LessOrEqual(t, *msg.Android.TTL, 30*time.Second)
	assert.Contains(t, msg.Notification.Body, "2.4 km")
}

func TestFCMOfferTTLHasFloor(t *testing.T) {
	sender := &fakeSender{}
	n := NewFCMNotifier(sender, tokenMap{"e1": "tok"}, quietLogger())
	_, err := n.Offer(context.Background(), "e1", Summary{OrderID: "o1"}, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, time.Second, *sender.sent[0].Android.TTL)
}

func TestFCMOfferErrors(t *testing.T) {
	n := NewFCMNotifier(&fakeSender{}, tokenMap{}, quietLogger())
	_, err := n.Offer(context.Background(), "e1", Summary{OrderID: "o1"}, time.Now())
	assert.ErrorIs(t, err, ErrNoDeviceToken)

	_, err = n.Offer(context.Background(), "broken", Summary{OrderID: "o1"}, time.Now())
	assert.ErrorContains(t, err, "redis down")

	unavailable := errors.New("fcm unavailable")
	n = NewFCMNotifier(&fakeSender{err: unavailable}, tokenMap{"e1": "tok"}, quietLogger())
	_, err = n.Offer(context.Background(), "e1", Summary{OrderID: "o1"}, time.Now())
	assert.ErrorIs(t, err, unavailable)
}

func TestFCMWithdraw(t *testing.T) {
	sender := &fakeSender{}
	n := NewFCMNotifier(sender, tokenMap{"e1": "tok-e1"}, quietLogger())
	require.NoError(t, n.Withdraw(context.Background(), "e1", "o1"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "offer_withdrawn", sender.sent[0].Data["type"])
	assert.Equal(t, "o1", sender.sent[0].Data["order_id"])

	assert.ErrorIs(t, n.Withdraw(context.Background(), "e2", "o1"), ErrNoDeviceToken)
}

func TestLogNotifierIssuesDistinctIDs(t *testing.T) {
	n := NewLogNotifier(quietLogger())
	a, err := n.Offer(context.Background(), "e1", Summary{OrderID: "o1"}, time.Now())
	require.NoError(t, err)
	b, err := n.Offer(context.Background(), "e2", Summary{OrderID: "o1"}, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.NoError(t, n.Withdraw(context.Background(), "e1", "o1"))
}
