// README: Task queue backed by a Redis sorted set scored by due time.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const dueKey = "tasks:due"

type RedisQueue struct {
	redis *redis.Client
	key   string
}

func NewRedisQueue(redis *redis.Client) *RedisQueue {
	return &RedisQueue{redis: redis, key: dueKey}
}

func (q *RedisQueue) Schedule(ctx context.Context, t Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return q.redis.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.DueAt.UnixMilli()),
		Member: string(b),
	}).Err()
}

// Due claims up to limit tasks whose due time has passed. A member belongs
// to whichever caller removes it.
func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	members, err := q.redis.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.redis.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.ZRem(ctx, q.key, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(members))
	for i, m := range members {
		if cmds[i].Val() != 1 {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			return out, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, q.key).Result()
}
