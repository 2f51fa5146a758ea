package downloader

import (
	"context"
	"sync"

	"github.com/vertextoedge/model-downloader/internal/domain"
)

// session is one download known to the manager. record aliases the entry in
// Manager.progress; both are only touched with Manager.mu held.
type session struct {
	id       int64
	filename string
	url      string
	record   *domain.DownloadRecord

	// blob is nil when the download cannot be resumed; unavailable says why
	blob        *domain.ResumableSession
	unavailable string

	run *transferRun
}

func (s *session) resumable() bool {
	return s.blob != nil
}

// transferRun is the abort handle of one streaming attempt. A run is current
// while session.run points at it; anything a stale run reports is dropped.
type transferRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// storeFailures counts consecutive failed progress writes; guarded by Manager.mu
	storeFailures int
}

func newTransferRun(parent context.Context) *transferRun {
	ctx, cancel := context.WithCancel(parent)
	return &transferRun{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// keyedMutex serializes control operations per download ID
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedEntry)}
}

// Lock blocks until id is free and returns the unlock function
func (k *keyedMutex) Lock(id int64) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
