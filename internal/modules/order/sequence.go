// README: Daily order number allocation (PREFIX-YYYYMMDD-NNNNN).
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NumberSequence returns the next number for the given day, starting at 1.
type NumberSequence interface {
	Next(ctx context.Context, day time.Time) (int64, error)
}

const sequenceKeyPrefix = "orders:seq:%s"

type RedisSequence struct {
	redis *redis.Client
}

func NewRedisSequence(redis *redis.Client) *RedisSequence {
	return &RedisSequence{redis: redis}
}

func (s *RedisSequence) Next(ctx context.Context, day time.Time) (int64, error) {
	key := fmt.Sprintf(sequenceKeyPrefix, day.Format("20060102"))
	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

type MemSequence struct {
	mu   sync.Mutex
	days map[string]int64
}

func NewMemSequence() *MemSequence {
	return &MemSequence{days: make(map[string]int64)}
}

func (s *MemSequence) Next(_ context.Context, day time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := day.Format("20060102")
	s.days[k]++
	return s.days[k], nil
}

func formatNumber(prefix string, day time.Time, n int64) string {
	return fmt.Sprintf("%s-%s-%05d", prefix, day.Format("20060102"), n)
}
