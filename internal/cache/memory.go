package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/scamadvisory/mailrisk/internal/diag"
	"github.com/scamadvisory/mailrisk/internal/metrics"
)

// Interface is the result cache consulted before rerunning a diagnostic.
type Interface interface {
	Get(ctx context.Context, key string) (*diag.Result, bool)
	Set(ctx context.Context, key string, res *diag.Result)
}

// Memory is a size-bounded in-process cache with per-entry expiry.
type Memory struct {
	lru *expirable.LRU[string, *diag.Result]
}

func NewMemory(size int, ttl time.Duration) *Memory {
	return &Memory{lru: expirable.NewLRU[string, *diag.Result](size, nil, ttl)}
}

func (m *Memory) Get(ctx context.Context, key string) (*diag.Result, bool) {
	if v, ok := m.lru.Get(key); ok {
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		return v, true
	}
	metrics.CacheEvents.WithLabelValues("miss").Inc()
	return nil, false
}

func (m *Memory) Set(ctx context.Context, key string, res *diag.Result) {
	m.lru.Add(key, res)
}
