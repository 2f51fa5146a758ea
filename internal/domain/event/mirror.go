package event

import (
	"sort"
	"sync"
)

// Mirror caches the latest event per model. Updates are last-write-wins by
// LastUpdated, not by arrival order, so a stale event that arrives late
// cannot overwrite newer state.
type Mirror struct {
	mu     sync.RWMutex
	latest map[string]ProgressEvent
}

// NewMirror creates an empty Mirror
func NewMirror() *Mirror {
	return &Mirror{latest: make(map[string]ProgressEvent)}
}

// Handle applies the event
func (m *Mirror) Handle(e ProgressEvent) error {
	m.Apply(e)
	return nil
}

// Apply stores the event unless a newer one is already cached. It returns
// whether the event was applied.
func (m *Mirror) Apply(e ProgressEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.latest[e.ModelName]; ok && !e.LastUpdated.After(cur.LastUpdated) {
		return false
	}
	if e.Removed {
		delete(m.latest, e.ModelName)
		return true
	}
	m.latest[e.ModelName] = e
	return true
}

// Get returns the cached event for a model
func (m *Mirror) Get(model string) (ProgressEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.latest[model]
	return e, ok
}

// Snapshot returns all cached events ordered by download ID
func (m *Mirror) Snapshot() []ProgressEvent {
	m.mu.RLock()
	out := make([]ProgressEvent, 0, len(m.latest))
	for _, e := range m.latest {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DownloadID < out[j].DownloadID })
	return out
}
