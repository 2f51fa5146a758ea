package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/vertextoedge/model-downloader/internal/port"
)

// ErrInjected is returned by a Store whose failure switch is on
var ErrInjected = errors.New("memory store: injected failure")

// Store is an in-process port.StateStore. Values are copied on the way in
// and out so callers cannot alias stored bytes.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	fail bool
}

var (
	_ port.StateStore = (*Store)(nil)
	_ port.Batcher    = (*Store)(nil)
	_ port.Pinger     = (*Store)(nil)
	_ port.KeyLister  = (*Store)(nil)
)

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// SetFailing makes every subsequent call fail with ErrInjected until switched off
func (s *Store) SetFailing(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return nil, false, ErrInjected
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

// Set stores value under key
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrInjected
	}
	s.data[key] = clone(value)
	return nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrInjected
	}
	delete(s.data, key)
	return nil
}

// Apply writes puts and deletes under one lock
func (s *Store) Apply(ctx context.Context, puts map[string][]byte, deletes []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrInjected
	}
	for k, v := range puts {
		s.data[k] = clone(v)
	}
	for _, k := range deletes {
		delete(s.data, k)
	}
	return nil
}

// Keys returns every key with the given prefix, sorted
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return nil, ErrInjected
	}
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping reports the failure switch
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return ErrInjected
	}
	return nil
}

// Clone returns an independent copy of the store contents, like a disk image
// taken at this instant
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := NewStore()
	for k, v := range s.data {
		out.data[k] = clone(v)
	}
	return out
}

// Len returns the number of stored keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
