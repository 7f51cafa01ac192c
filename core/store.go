package core

import (
	"context"
	"time"
)

// DecisionStore is the shared substrate backing blocks, rate counters and
// keyed values with TTL. Block/IsBlocked must be linearizable per key and
// IncrementCounter must be atomic; the distributed implementation shares
// state fleet-wide so a block decided on one instance holds everywhere.
//
// Synchronous callers treat a store error as "no data": IsBlocked false,
// counters zero. Asynchronous callers log and discard.
type DecisionStore interface {
	// IsBlocked reports whether a non-expired block exists for key.
	// Expired entries are removed as a side effect.
	IsBlocked(ctx context.Context, key string) (bool, error)

	// Block records a block. A duration of 0 blocks permanently.
	Block(ctx context.Context, key, reason string, duration time.Duration) error

	// Unblock removes a block immediately
	Unblock(ctx context.Context, key string) error

	// IncrementCounter atomically bumps a windowed counter and returns the
	// post-increment value. An absent or expired counter restarts at 1 with
	// expiry now+window; a live counter keeps its original expiry.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// GetCounter returns the current count, 0 if absent or expired
	GetCounter(ctx context.Context, key string) (int64, error)

	// Put stores a value with a TTL. A ttl of 0 means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key, or "" if absent or expired
	Get(ctx context.Context, key string) (string, error)

	// AllBlocked returns a snapshot of non-expired blocks (key -> reason)
	AllBlocked(ctx context.Context) (map[string]string, error)
}
