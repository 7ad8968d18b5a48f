package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another holder owns the lease
var ErrLeaseHeld = errors.New("cache: lease held by another owner")

// releaseScript deletes the key only if it still carries our token, so an
// expired lease re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is an exclusive, expiring claim on a key.
type Lease struct {
	key     string
	token   string
	release func(ctx context.Context) error
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Token returns the owner token stored under the key.
func (l *Lease) Token() string { return l.token }

// Release gives the lease up. Releasing an expired or stolen lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx)
}

// AcquireLease claims key for ttl using SET NX. Returns ErrLeaseHeld when
// the key is already claimed.
func (cs *CacheService) AcquireLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := cs.guard(); err != nil {
		return nil, err
	}

	token := uuid.New().String()
	ok, err := cs.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		cs.recordFailure()
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	cs.recordSuccess()

	if !ok {
		return nil, ErrLeaseHeld
	}

	return &Lease{
		key:   key,
		token: token,
		release: func(ctx context.Context) error {
			if err := releaseScript.Run(ctx, cs.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("release lease %s: %w", key, err)
			}
			return nil
		},
	}, nil
}
