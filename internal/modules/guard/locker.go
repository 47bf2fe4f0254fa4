// README: Lock implementations; Redis SET NX PX with token-checked release, and in-process.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisLocker struct {
	redis  *redis.Client
	prefix string
}

func NewRedisLocker(redis *redis.Client) *RedisLocker {
	return &RedisLocker{redis: redis, prefix: "lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.redis.SetNX(ctx, full, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisLock{redis: l.redis, key: full, token: token}, true, nil
}

type redisLock struct {
	redis *redis.Client
	key   string
	token string
}

// Release deletes the key only while it still holds this lock's token, so
// an expired lock re-acquired by someone else is left alone.
func (l *redisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.redis, []string{l.key}, l.token).Err()
}

type MemLocker struct {
	mu    sync.Mutex
	held  map[string]memEntry
	clock func() time.Time
}

type memEntry struct {
	token   string
	expires time.Time
}

func NewMemLocker(clock func() time.Time) *MemLocker {
	if clock == nil {
		clock = time.Now
	}
	return &MemLocker{held: make(map[string]memEntry), clock: clock}
}

func (l *MemLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = memEntry{token: token, expires: now.Add(ttl)}
	return &memLock{locker: l, key: key, token: token}, true, nil
}

func (l *MemLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	return ok && l.clock().Before(e.expires)
}

type memLock struct {
	locker *MemLocker
	key    string
	token  string
}

func (m *memLock) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if e, ok := m.locker.held[m.key]; ok && e.token == m.token {
		delete(m.locker.held, m.key)
	}
	return nil
}
