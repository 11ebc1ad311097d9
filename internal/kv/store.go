// Package kv is the storage seam for job records, cache entries, templates
// and the job id queue. Values are opaque bytes; callers own the encoding.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("kv: not found")
	ErrConflict = errors.New("kv: concurrent update conflict")
)

// Store is a key-value store with one FIFO list namespace.
//
// Update runs fn against the current value and writes its result atomically
// with respect to other Update, Set and Delete calls on the same key. A
// missing key returns ErrNotFound without calling fn. An error from fn
// aborts the write and is returned unchanged. The key's expiry is preserved.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes the value only when the key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error

	Push(ctx context.Context, list, member string) error
	// Pop removes the oldest member, returning ErrNotFound on an empty list.
	Pop(ctx context.Context, list string) (string, error)
	Len(ctx context.Context, list string) (int64, error)
}
