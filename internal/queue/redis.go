package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared Queue backend for multi-node deployments: a Redis
// list for ordering plus a set for dedupe. The two structures are not
// updated atomically; the worst case of a crash between them is one
// duplicate dispatch, which the claim protocol already tolerates.
type Redis struct {
	client *redis.Client
	list   string
	dedupe string
}

// NewRedis creates a queue over an existing Redis client. The prefix
// namespaces the keys; empty selects "loom".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "loom"
	}
	return &Redis{
		client: client,
		list:   prefix + ":queue",
		dedupe: prefix + ":queue:ids",
	}
}

// Enqueue implements Queue.
func (r *Redis) Enqueue(ctx context.Context, taskID string) error {
	added, err := r.client.SAdd(ctx, r.dedupe, taskID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	return r.client.LPush(ctx, r.list, taskID).Err()
}

// Dequeue implements Queue. BRPOP with a sub-second floor: go-redis rounds
// the timeout down to whole seconds server-side, so very small timeouts
// become a 1s block.
func (r *Redis) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout < time.Second {
		timeout = time.Second
	}

	res, err := r.client.BRPop(ctx, timeout, r.list).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	taskID := res[1]
	if err := r.client.SRem(ctx, r.dedupe, taskID).Err(); err != nil {
		return "", err
	}
	return taskID, nil
}

// Depth implements Queue.
func (r *Redis) Depth(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.list).Result()
}

// Close implements Queue.
func (r *Redis) Close() error {
	return r.client.Close()
}
