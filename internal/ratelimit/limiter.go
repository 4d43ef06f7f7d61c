package ratelimit

import "context"

// RateLimiter caps outbound send throughput per channel. Wait blocks until
// the channel has budget or the context ends.
type RateLimiter interface {
	Allow(ctx context.Context, channel string) (bool, error)
	Wait(ctx context.Context, channel string) error
}
