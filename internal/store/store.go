// Package store abstracts the shared key/value store that holds cross-process
// call state: snoop contracts, their reverse index, audio-mark lists, and
// one-shot re-prompt markers.
//
// The production implementation is Redis ([NewRedis]); [NewMem] provides an
// in-process implementation with the same TTL semantics for tests. Only the
// small command surface the engine actually uses is exposed: string GET /
// SET PX / DEL plus list RPUSH / LRANGE / EXPIRE.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// KV is the command surface the engine needs from the shared store.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the string value at key, or [ErrNotFound].
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// RPush appends values to the list at key.
	RPush(ctx context.Context, key string, values ...string) error

	// LRange returns list elements in [start, stop] (inclusive, negative
	// indexes count from the tail, Redis semantics).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Expire sets a TTL on an existing key. Returns false if the key does
	// not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ping verifies the store is reachable. Used by the readiness probe.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
