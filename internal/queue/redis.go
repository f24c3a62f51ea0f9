// Package queue feeds the diagnostic workers from a Redis list. Leased
// items park on a processing list until acked, so a crashed worker never
// silently drops an email.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisQueue struct {
	cli      *redis.Client
	queueKey string
	procKey  string
	leaseTTL time.Duration
}

type item struct {
	Email   string `json:"email"`
	TS      int64  `json:"ts"`
	Attempt int    `json:"attempt"`
}

func NewRedis(addr, key string, lease time.Duration) (*RedisQueue, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", leaseTTL: lease}, nil
}

// Lease pops the next email, moving it to the processing list. An empty
// email with a nil error means the poll timed out and the caller should
// try again.
func (q *RedisQueue) Lease(ctx context.Context) (string, func() error, error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, 5*time.Second).Result()
	if err == redis.Nil {
		return "", func() error { return nil }, nil
	}
	if err != nil {
		return "", func() error { return err }, err
	}
	var it item
	if err := json.Unmarshal([]byte(res), &it); err != nil || it.Email == "" {
		// plain-string items from older seeders are still valid work
		it.Email = strings.TrimSpace(res)
	}
	ack := func() error {
		return q.cli.LRem(ctx, q.procKey, 1, res).Err()
	}
	return it.Email, ack, nil
}

// Ping reports whether the backing server is reachable, for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.cli.Ping(ctx).Err()
}

// Seed pushes an email into the queue
func (q *RedisQueue) Seed(ctx context.Context, email string) error {
	b, _ := json.Marshal(item{Email: email, TS: time.Now().UTC().Unix(), Attempt: 0})
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}
