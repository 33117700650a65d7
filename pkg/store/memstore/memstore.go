// Package memstore is an in-process store.Backend intended for tests and
// examples. Backends opened with the same mem:// name share data, so a
// per-operation Opener sees one consistent store.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wilhg/statestore/pkg/store"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("memstore: closed")

type stream struct {
	entries []store.Entry
	nextID  uint64
	// wake is closed and replaced on every append.
	wake chan struct{}
}

// Store is the shared data behind one or more handles.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte
	streams map[string]*stream
	closed  bool
}

// New creates a new empty store.
func New() *Store {
	return &Store{
		records: make(map[string][]byte),
		streams: make(map[string]*stream),
	}
}

var _ store.Backend = (*Store)(nil)

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close marks the store closed and wakes blocked readers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, st := range s.streams {
		close(st.wake)
	}
	return nil
}

// Get returns a copy of the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// SetIfAbsent writes value only when key is absent.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.records[key] = append([]byte(nil), value...)
	return true, nil
}

// Set overwrites key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records[key] = append([]byte(nil), value...)
	return nil
}

// Append adds an entry with the next decimal id and trims to maxLen.
func (s *Store) Append(ctx context.Context, name string, payload []byte, maxLen int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	st := s.streamLocked(name)
	st.nextID++
	id := strconv.FormatUint(st.nextID, 10)
	var p []byte
	if payload != nil {
		p = append([]byte(nil), payload...)
	}
	st.entries = append(st.entries, store.Entry{ID: id, Payload: p})
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		st.entries = append([]store.Entry(nil), st.entries[int64(len(st.entries))-maxLen:]...)
	}
	close(st.wake)
	st.wake = make(chan struct{})
	return id, nil
}

// AppendRaw stores an entry exactly as given, payload included or not.
// Tests use it to plant malformed entries.
func (s *Store) AppendRaw(name string, payload []byte) string {
	id, _ := s.Append(context.Background(), name, payload, 0)
	return id
}

// ReadAfter returns up to count entries after afterID, oldest first.
func (s *Store) ReadAfter(ctx context.Context, name, afterID string, count int64) ([]store.Entry, error) {
	if !store.ValidID(afterID) {
		return nil, fmt.Errorf("memstore: invalid entry id %q", afterID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.readAfterLocked(name, afterID, count), nil
}

// ReadLatest returns up to count newest entries, newest first.
func (s *Store) ReadLatest(ctx context.Context, name string, count int64) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	st, ok := s.streams[name]
	if !ok {
		return nil, nil
	}
	out := make([]store.Entry, 0, min(int64(len(st.entries)), max(count, 0)))
	for i := len(st.entries) - 1; i >= 0 && (count <= 0 || int64(len(out)) < count); i-- {
		out = append(out, st.entries[i])
	}
	return out, nil
}

// BlockAfter waits up to wait for entries after afterID.
func (s *Store) BlockAfter(ctx context.Context, name, afterID string, count int64, wait time.Duration) ([]store.Entry, error) {
	if !store.ValidID(afterID) {
		return nil, fmt.Errorf("memstore: invalid entry id %q", afterID)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		entries := s.readAfterLocked(name, afterID, count)
		wake := s.streamLocked(name).wake
		s.mu.Unlock()
		if len(entries) > 0 {
			return entries, nil
		}
		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) streamLocked(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{wake: make(chan struct{})}
		s.streams[name] = st
	}
	return st
}

func (s *Store) readAfterLocked(name, afterID string, count int64) []store.Entry {
	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	var out []store.Entry
	for _, e := range st.entries {
		if store.CompareIDs(e.ID, afterID) <= 0 {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out
}

// handle is a per-operation view of a shared Store; closing it leaves the
// shared data alone.
type handle struct {
	*Store
}

func (handle) Close() error { return nil }

var (
	namedMu sync.Mutex
	named   = map[string]*Store{}
)

// Named returns the shared store for name, creating it on first use.
func Named(name string) *Store {
	namedMu.Lock()
	defer namedMu.Unlock()
	if s, ok := named[name]; ok && s.Ping(context.Background()) == nil {
		return s
	}
	s := New()
	named[name] = s
	return s
}

// Open implements store.Factory for URLs of the form mem://<name>.
func Open(_ context.Context, rawURL string, _ store.Options) (store.Backend, error) {
	name := strings.TrimPrefix(strings.TrimPrefix(rawURL, "mem:"), "//")
	if name == "" {
		name = "default"
	}
	return handle{Store: Named(name)}, nil
}

func init() {
	_ = store.Register("mem", Open)
}
