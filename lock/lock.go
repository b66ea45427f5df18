/*
Package lock provides mutual exclusion for batch runs.

PURPOSE:
  Several engine instances may run the scheduler. A monthly or quarterly
  batch for a given period must only run on one of them at a time. The
  ledger would absorb a duplicate run (payouts are idempotent), but the
  batch_runs bookkeeping and the audit log would not.

IMPLEMENTATIONS:
  Local: in-process, for a single instance and for tests
  Redis: bsm/redislock on go-redis, shared by every instance

USAGE:
  release, err := locker.Obtain(ctx, "batch:MONTHLY:2025-03", 30*time.Minute)
  if errors.Is(err, lock.ErrNotObtained) {
      return // someone else is on it
  }
  defer release(context.WithoutCancel(ctx))
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when the key is held by someone else.
var ErrNotObtained = errors.New("lock not obtained")

// Release gives up a lock.
type Release func(ctx context.Context) error

type Locker interface {
	// Obtain takes key for at most ttl. It does not wait.
	Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// =============================================================================
// LOCAL
// =============================================================================

// Local holds locks in process memory.
type Local struct {
	mu    sync.Mutex
	held  map[string]localLease
	now   func() time.Time
	token uint64
}

type localLease struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localLease), now: time.Now}
}

func (l *Local) Obtain(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, ErrNotObtained
	}
	l.token++
	token := l.token
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		// an expired lease may have been taken over; leave the new holder alone
		if lease, ok := l.held[key]; ok && lease.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}

// =============================================================================
// REDIS
// =============================================================================

// Redis holds locks in Redis so that every instance sees them.
type Redis struct {
	client *redislock.Client
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: redislock.New(client), prefix: prefix}
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		err := l.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}
