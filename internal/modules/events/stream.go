// README: Stream subscriber; XADD every event for out-of-process consumers.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const (
	streamKey    = "dispatch:events"
	streamMaxLen = 100000
)

type StreamPublisher struct {
	redis *redis.Client
}

func NewStreamPublisher(redis *redis.Client) *StreamPublisher {
	return &StreamPublisher{redis: redis}
}

func (p *StreamPublisher) Name() string { return "stream" }

func (p *StreamPublisher) Handle(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"kind":     string(e.Kind),
			"order_id": string(e.OrderID),
			"payload":  string(b),
		},
	}).Err()
}
