// Package store defines the keyed-record and append-only-log capabilities the
// state store is built on. Implementations must provide identical semantics
// across backends so that repository and consumer code is portable.
//
// Atomicity contracts:
//   - SetIfAbsent is a single atomic create-if-absent: among any number of
//     concurrent callers for one key, exactly one observes created == true.
//   - Append assigns ids itself; ids are strictly increasing per stream and
//     compare in append order. Callers never supply ids.
//   - Reads never observe a partially written record or entry.
package store

import (
	"context"
	"time"
)

// StartID is the cursor that reads a stream from its first entry.
const StartID = "0"

// Entry is one element of a stream. Payload is nil when the stored entry
// carries no payload field.
type Entry struct {
	ID      string
	Payload []byte
}

// KeyedStore persists opaque values by key.
type KeyedStore interface {
	// Get returns the value at key; found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// SetIfAbsent writes value only if key does not exist.
	SetIfAbsent(ctx context.Context, key string, value []byte) (created bool, err error)
	// Set overwrites key unconditionally.
	Set(ctx context.Context, key string, value []byte) error
}

// KeyedLog is a set of named append-only streams with bounded retention.
type KeyedLog interface {
	// Append adds payload to stream and trims it to roughly maxLen entries
	// (maxLen <= 0 disables trimming). Trimming may keep more than maxLen.
	Append(ctx context.Context, stream string, payload []byte, maxLen int64) (id string, err error)
	// ReadAfter returns up to count entries with id strictly greater than
	// afterID, oldest first. StartID reads from the beginning.
	ReadAfter(ctx context.Context, stream, afterID string, count int64) ([]Entry, error)
	// ReadLatest returns up to count of the newest entries, newest first.
	ReadLatest(ctx context.Context, stream string, count int64) ([]Entry, error)
	// BlockAfter is ReadAfter that waits up to wait for at least one entry.
	// It returns an empty slice and no error when wait elapses.
	BlockAfter(ctx context.Context, stream, afterID string, count int64, wait time.Duration) ([]Entry, error)
}

// Backend is a connection to a store offering both capabilities.
type Backend interface {
	KeyedStore
	KeyedLog
	Ping(ctx context.Context) error
	Close() error
}

// Opener acquires a backend for the duration of one operation. The caller
// closes it when the operation ends.
type Opener func(ctx context.Context) (Backend, error)
