package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scamadvisory/mailrisk/internal/diag"
	"github.com/scamadvisory/mailrisk/internal/metrics"
)

// Redis is a shared cache for fleets running more than one instance.
type Redis struct {
	cli        *redis.Client
	ttl        time.Duration
	errorCount int
}

func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{cli: cli, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (*diag.Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := r.cli.Get(ctx, "diag:"+key).Bytes()
	if err == redis.Nil {
		metrics.CacheEvents.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		r.countError(err)
		metrics.CacheEvents.WithLabelValues("error").Inc()
		return nil, false
	}
	var res diag.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		r.countError(err)
		metrics.CacheEvents.WithLabelValues("error").Inc()
		return nil, false
	}
	metrics.CacheEvents.WithLabelValues("hit").Inc()
	return &res, true
}

func (r *Redis) Set(ctx context.Context, key string, res *diag.Result) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(res)
	if err != nil {
		r.countError(err)
		return
	}
	if err := r.cli.Set(ctx, "diag:"+key, raw, r.ttl).Err(); err != nil {
		r.countError(err)
	}
}

// Ping reports whether the backing server is reachable, for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *Redis) countError(err error) {
	r.errorCount++
	if r.errorCount%100 == 1 { // Log every 100th error to avoid spam
		log.Printf("Redis cache error (count: %d): %v", r.errorCount, err)
	}
}
