package kv

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Update when an optimistic write keeps losing
// against concurrent writers and the retry budget is exhausted.
var ErrConflict = errors.New("kv: update conflict")

// Store is the storage capability the cache layer, session store and
// reservation ledger are built on. Implemented by the in-process memory
// backend (dev/tests) and Redis (prod, shared across terminals).
//
// TTL semantics: ttl > 0 expires the key after that duration; ttl <= 0 means
// no expiry.
type Store interface {
	// Get returns the stored value, or ok=false on a clean miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key with the given TTL, overwriting any
	// previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns all live entries whose key starts with prefix.
	// Used by the periodic sweep jobs; not expected to be cheap.
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// Update atomically applies fn to the current value of key. fn receives
	// nil when the key is absent; returning (nil, nil) deletes the key.
	// Concurrent updates to the same key are serialized, by lock or by
	// optimistic retry. This is the critical section the reservation ledger
	// relies on.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error

	// Close releases background resources.
	Close() error
}
