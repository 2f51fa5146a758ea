package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/domain"
	"github.com/vertextoedge/model-downloader/internal/metrics"
	"github.com/vertextoedge/model-downloader/internal/port"
)

// State store keys
const (
	KeyProgress     = "downloads/progress"
	KeyPending      = "downloads/pending"
	ResumeKeyPrefix = "downloads/resume/"
)

// ResumeKey returns the store key holding the resumable session of a download
func ResumeKey(id int64) string {
	return ResumeKeyPrefix + strconv.FormatInt(id, 10)
}

// change is one logical write: the maps flagged dirty plus blob puts and deletes.
// It is applied atomically when the store supports it, otherwise blobs are
// written first, records second and blob deletes last.
type change struct {
	progress    bool
	pending     bool
	putBlobs    []*domain.ResumableSession
	deleteBlobs []int64
}

func (c *change) put(blob *domain.ResumableSession) *change {
	c.putBlobs = append(c.putBlobs, blob)
	return c
}

func (c *change) drop(id int64) *change {
	c.deleteBlobs = append(c.deleteBlobs, id)
	return c
}

func (c *change) empty() bool {
	return !c.progress && !c.pending && len(c.putBlobs) == 0 && len(c.deleteBlobs) == 0
}

// commitLocked persists the change. m.mu must be held.
func (m *Manager) commitLocked(ctx context.Context, op string, c *change) error {
	if c.empty() {
		return nil
	}

	blobs := make(map[string][]byte, len(c.putBlobs))
	for _, b := range c.putBlobs {
		data, err := b.Marshal()
		if err != nil {
			return m.persistErr(op, ResumeKey(b.DownloadID), err)
		}
		blobs[ResumeKey(b.DownloadID)] = data
	}

	records := make(map[string][]byte, 2)
	if c.progress {
		data, err := json.Marshal(m.progress)
		if err != nil {
			return m.persistErr(op, KeyProgress, err)
		}
		records[KeyProgress] = data
	}
	if c.pending {
		data, err := json.Marshal(m.pending)
		if err != nil {
			return m.persistErr(op, KeyPending, err)
		}
		records[KeyPending] = data
	}

	deletes := make([]string, 0, len(c.deleteBlobs))
	for _, id := range c.deleteBlobs {
		deletes = append(deletes, ResumeKey(id))
	}

	if batcher, ok := m.store.(port.Batcher); ok {
		puts := records
		for k, v := range blobs {
			puts[k] = v
		}
		if err := batcher.Apply(ctx, puts, deletes); err != nil {
			return m.persistErr(op, "", err)
		}
		return nil
	}

	for _, key := range sortedKeys(blobs) {
		if err := m.store.Set(ctx, key, blobs[key]); err != nil {
			return m.persistErr(op, key, err)
		}
	}
	for _, key := range sortedKeys(records) {
		if err := m.store.Set(ctx, key, records[key]); err != nil {
			return m.persistErr(op, key, err)
		}
	}
	for _, key := range deletes {
		if err := m.store.Delete(ctx, key); err != nil {
			return m.persistErr(op, key, err)
		}
	}
	return nil
}

func (m *Manager) persistErr(op, key string, err error) error {
	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	m.logger.Error("failed to persist download state",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
	return &domain.PersistenceError{Operation: op, Key: key, Err: err}
}

// loadState reads the progress and pending maps. Unparsable maps are logged
// and treated as empty so a corrupt entry cannot wedge startup.
func (m *Manager) loadState(ctx context.Context) (map[string]*domain.DownloadRecord, map[int64]*domain.PendingDownload, error) {
	progress := make(map[string]*domain.DownloadRecord)
	pending := make(map[int64]*domain.PendingDownload)

	data, ok, err := m.store.Get(ctx, KeyProgress)
	if err != nil {
		return nil, nil, m.persistErr("load", KeyProgress, err)
	}
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &progress); err != nil {
			m.logger.Warn("discarding unparsable progress map", zap.Error(err))
			progress = make(map[string]*domain.DownloadRecord)
		}
	}

	data, ok, err = m.store.Get(ctx, KeyPending)
	if err != nil {
		return nil, nil, m.persistErr("load", KeyPending, err)
	}
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &pending); err != nil {
			m.logger.Warn("discarding unparsable pending map", zap.Error(err))
			pending = make(map[int64]*domain.PendingDownload)
		}
	}

	return progress, pending, nil
}

// loadBlob reads the resumable session of a download. A missing or invalid
// blob is reported through reason rather than an error.
func (m *Manager) loadBlob(ctx context.Context, id int64) (blob *domain.ResumableSession, reason string, err error) {
	data, ok, err := m.store.Get(ctx, ResumeKey(id))
	if err != nil {
		return nil, "", m.persistErr("load", ResumeKey(id), err)
	}
	if !ok {
		return nil, "no resumable session saved", nil
	}
	blob, perr := domain.ParseResumableSession(data)
	if perr != nil {
		return nil, fmt.Sprintf("resumable session unreadable: %v", perr), nil
	}
	if blob.DownloadID != id {
		return nil, fmt.Sprintf("resumable session belongs to download %d", blob.DownloadID), nil
	}
	return blob, "", nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
