package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling-engine/internal/db"
)

const DefaultQueue = "outreach:dispatch"

// RedisQueue pushes requests onto a Redis list. The SMS/voice service pops
// from the other end (BRPOP), so the list is FIFO.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueue
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Dispatch(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return db.Unavailable("enqueue dispatch", err)
	}
	return nil
}

// Len reports how many requests are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, db.Unavailable("queue length", err)
	}
	return n, nil
}
