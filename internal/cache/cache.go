package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache stores opaque values with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Recorder receives hit, miss and error counts.
type Recorder interface {
	ObserveCache(result string)
}

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

func observe(r Recorder, result string) {
	if r != nil {
		r.ObserveCache(result)
	}
}
