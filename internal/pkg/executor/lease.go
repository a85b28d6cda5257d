package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subflowhq/subflow/internal/pkg/cache"
)

const leaseKeyPrefix = "claim:policy:"

// Lease is a short-lived per-policy work claim held in Redis. Two executor
// instances selecting the same due policy race on SET NX; the loser skips the
// policy for this run. The TTL covers the slowest realistic attempt, so a
// crashed holder releases its claims automatically.
type Lease struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

// NewLease creates a lease manager identified by owner (one ID per process).
func NewLease(owner string, ttl time.Duration) *Lease {
	return &Lease{
		client: cache.GetClient(),
		owner:  owner,
		ttl:    ttl,
	}
}

func leaseKey(chainID uint64, policyID string) string {
	return fmt.Sprintf("%s%d:%s", leaseKeyPrefix, chainID, policyID)
}

// Acquire claims the policy for this instance. False means another instance
// holds it.
func (l *Lease) Acquire(ctx context.Context, chainID uint64, policyID string) (bool, error) {
	return l.client.SetNX(ctx, leaseKey(chainID, policyID), l.owner, l.ttl).Result()
}

// Release drops the claim after the attempt resolves. Only the owner's claim
// is removed; an expired-and-reacquired key belongs to someone else.
func (l *Lease) Release(ctx context.Context, chainID uint64, policyID string) {
	key := leaseKey(chainID, policyID)
	val, err := l.client.Get(ctx, key).Result()
	if err != nil || val != l.owner {
		return
	}
	l.client.Del(ctx, key)
}
