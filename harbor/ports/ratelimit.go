package ports

import "context"

// RateLimiter coordinates decision throughput across providers/models.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
