package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"roadside/internal/types"
)

func TestRedisQueueIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	t.Run("due tasks in order", func(t *testing.T) {
		require.NoError(t, client.FlushDB(ctx).Err())
		q := NewRedisQueue(client)
		require.NoError(t, q.Schedule(ctx, Task{Kind: KindTimeout, OrderID: "o2", Status: "assigned", StateSeq: 4, DueAt: t0.Add(2 * time.Second)}))
		require.NoError(t, q.Schedule(ctx, Task{Kind: KindSearch, OrderID: "o1", DueAt: t0.Add(time.Second)}))
		require.NoError(t, q.Schedule(ctx, Task{Kind: KindTimeout, OrderID: "o3", DueAt: t0.Add(time.Hour)}))

		due, err := q.Due(ctx, t0.Add(5*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, types.ID("o1"), due[0].OrderID)
		assert.Equal(t, KindSearch, due[0].Kind)
		assert.Equal(t, "assigned", due[1].Status)
		assert.Equal(t, 4, due[1].StateSeq)
		assert.True(t, t0.Add(2*time.Second).Equal(due[1].DueAt))

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("concurrent claims never overlap", func(t *testing.T) {
		require.NoError(t, client.FlushDB(ctx).Err())
		q := NewRedisQueue(client)
		const n = 100
		for i := 0; i < n; i++ {
			require.NoError(t, q.Schedule(ctx, Task{Kind: KindSearch, OrderID: types.NewID(), DueAt: t0}))
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := map[types.ID]int{}
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					due, err := q.Due(ctx, t0, 5)
					if err != nil {
						t.Error(err)
						return
					}
					if len(due) == 0 {
						left, _ := q.Len(ctx)
						if left == 0 {
							return
						}
						continue
					}
					mu.Lock()
					for _, task := range due {
						seen[task.OrderID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, c := range seen {
			assert.Equal(t, 1, c, id)
		}
	})
}
