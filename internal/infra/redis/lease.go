package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a coarse distributed lock around sweep runs so that concurrent
// sweeper instances do not claim the same batches. The TTL bounds how long a
// crashed holder can block the next run.
type Lease struct {
	client *goredis.Client
	ttl    time.Duration
	owner  string
}

func NewLease(client *goredis.Client, ttl time.Duration) (*Lease, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive")
	}

	return &Lease{
		client: client,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}, nil
}

func (l *Lease) key(name string) string {
	return fmt.Sprintf("sweeplock:%s", name)
}

// Acquire takes the named lease if it is free. It does not block.
func (l *Lease) Acquire(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("lease name is required")
	}

	ok, err := l.client.SetNX(ctx, l.key(name), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %q: %w", name, err)
	}
	return ok, nil
}

// Release frees the named lease, but only if this instance still holds it.
// Releasing a lease that expired and was re-acquired elsewhere is a no-op.
func (l *Lease) Release(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("lease name is required")
	}

	if err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, l.owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease %q: %w", name, err)
	}
	return nil
}

// Do runs fn while holding the named lease. It reports whether fn ran;
// a held lease elsewhere makes Do return (false, nil).
func (l *Lease) Do(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := l.Acquire(ctx, name)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, name)
	}()

	return true, fn(ctx)
}
