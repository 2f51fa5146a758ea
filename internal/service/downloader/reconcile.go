package downloader

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vertextoedge/model-downloader/internal/domain"
	"github.com/vertextoedge/model-downloader/internal/domain/event"
	"github.com/vertextoedge/model-downloader/internal/metrics"
	"github.com/vertextoedge/model-downloader/internal/port"
)

// ResumePendingDownloads rebuilds in-memory state from the store. Running
// transfers are saved first and restarted from their saved offset once the
// reload is done. Every record is re-emitted; other downloads with a valid
// resumable session come back paused and are not restarted. Records whose
// session is missing stay visible but cannot be resumed.
func (m *Manager) ResumePendingDownloads(ctx context.Context) error {
	m.reconcile.Lock()
	defer m.reconcile.Unlock()

	logger := m.logger.With(zap.String("pass_id", uuid.NewString()))

	m.mu.Lock()
	var running []int64
	for _, s := range m.sortedSessionsLocked() {
		if s.run != nil {
			running = append(running, s.id)
		}
	}
	m.mu.Unlock()

	if err := m.saveAllLocked(ctx); err != nil {
		logger.Warn("failed to save running downloads before reload", zap.Error(err))
	}

	progress, pending, err := m.loadState(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrManagerClosed
	}

	for id := range m.timers {
		m.stopTimerLocked(id)
	}
	m.sessions = make(map[int64]*session)
	m.progress = make(map[string]*domain.DownloadRecord)
	m.pending = make(map[int64]*domain.PendingDownload)

	c := &change{}
	var maxID int64
	var terminal []*session

	for _, name := range recordsByID(progress) {
		rec := progress[name]
		if rec == nil || rec.DownloadID <= 0 || m.sessions[rec.DownloadID] != nil {
			logger.Warn("dropping malformed download record", zap.String("filename", name))
			c.progress = true
			continue
		}
		rec.Filename = name
		if rec.DownloadID > maxID {
			maxID = rec.DownloadID
		}

		s := &session{id: rec.DownloadID, filename: name, url: rec.URL, record: rec}
		m.sessions[s.id] = s
		m.progress[name] = rec

		if rec.Status.IsTerminal() {
			terminal = append(terminal, s)
			continue
		}

		blob, reason, err := m.loadBlob(ctx, s.id)
		if err != nil {
			return err
		}
		if blob != nil && blob.Filename != name {
			blob, reason = nil, "resumable session belongs to "+blob.Filename
		}
		s.blob, s.unavailable = blob, reason

		// Nothing survives a restart, so nothing can be downloading
		if rec.Status != domain.StatusPaused {
			rec.MarkPaused()
			c.progress = true
		}
		if size, ok := m.partialSize(name); ok && size != rec.BytesDownloaded {
			rec.UpdateProgress(size, rec.TotalBytes)
			c.progress = true
		}

		if p := pending[s.id]; p != nil {
			m.pending[s.id] = p
		} else {
			m.pending[s.id] = m.pendingFor(s)
			c.pending = true
		}
	}

	// Index entries whose record never made it to the store
	for _, id := range pendingIDs(pending) {
		if m.sessions[id] != nil {
			continue
		}
		p := pending[id]
		c.pending = true
		if id > maxID {
			maxID = id
		}
		if p == nil || p.Filename == "" || m.progress[p.Filename] != nil {
			c.drop(id)
			continue
		}
		blob, _, err := m.loadBlob(ctx, id)
		if err != nil {
			return err
		}
		if blob == nil {
			c.drop(id)
			continue
		}

		rec := domain.NewDownloadRecord(id, p.Filename, p.URL)
		rec.UpdateProgress(blob.Offset, blob.TotalBytes)
		if size, ok := m.partialSize(p.Filename); ok {
			rec.UpdateProgress(size, blob.TotalBytes)
		}
		rec.MarkPaused()

		s := &session{id: id, filename: p.Filename, url: p.URL, record: rec, blob: blob}
		m.sessions[id] = s
		m.progress[p.Filename] = rec
		m.pending[id] = p
		c.progress = true
		logger.Info("recovered download from pending index",
			zap.Int64("download_id", id),
			zap.String("filename", p.Filename))
	}

	for _, s := range terminal {
		delete(m.sessions, s.id)
		delete(m.progress, s.filename)
		delete(m.pending, s.id)
		if _, ok := pending[s.id]; ok {
			c.pending = true
		}
		c.progress = true
		c.drop(s.id)
	}

	// Blobs nobody refers to any more
	if lister, ok := m.store.(port.KeyLister); ok {
		keys, err := lister.Keys(ctx, ResumeKeyPrefix)
		if err != nil {
			logger.Warn("failed to list resumable sessions", zap.Error(err))
		}
		for _, key := range keys {
			id, err := strconv.ParseInt(strings.TrimPrefix(key, ResumeKeyPrefix), 10, 64)
			if err != nil {
				continue
			}
			if id > maxID {
				maxID = id
			}
			if m.sessions[id] == nil {
				c.drop(id)
			}
		}
	}

	if err := m.commitLocked(ctx, "reconcile", c); err != nil {
		return err
	}

	if maxID+1 > m.nextID {
		m.nextID = maxID + 1
	}

	// Re-emit everything, including records found terminal, so subscribers
	// see current state without waiting for a chunk
	all := m.sortedSessionsLocked()
	all = append(all, terminal...)
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	for _, s := range all {
		m.publishLocked(s.record)
	}
	for _, s := range terminal {
		m.bus.Publish(event.NewRemovedEvent(s.record))
	}

	restarted := 0
	for _, id := range running {
		rs := m.sessions[id]
		if rs == nil || rs.record.Status != domain.StatusPaused || !rs.resumable() {
			continue
		}
		if err := m.resumeLocked(ctx, id); err != nil {
			logger.Warn("failed to restart download after reload",
				zap.Int64("download_id", id),
				zap.Error(err))
			continue
		}
		restarted++
	}

	metrics.Reconciliations.WithLabelValues("resume_pending").Inc()
	logger.Info("download state reloaded",
		zap.Int("downloads", len(m.sessions)),
		zap.Int("purged", len(terminal)),
		zap.Int("restarted", restarted),
		zap.Int64("next_id", m.nextID))
	return nil
}

// SaveAllDownloadStates pauses every running transfer, persisting each
// paused record together with its resumable session
func (m *Manager) SaveAllDownloadStates(ctx context.Context) error {
	m.reconcile.Lock()
	defer m.reconcile.Unlock()
	return m.saveAllLocked(ctx)
}

func (m *Manager) saveAllLocked(ctx context.Context) error {
	m.mu.Lock()
	var active []*session
	for _, s := range m.sortedSessionsLocked() {
		if s.run != nil || s.record.Status.IsActive() {
			active = append(active, s)
		}
	}
	m.mu.Unlock()

	if len(active) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, s := range active {
		s := s
		g.Go(func() error {
			return m.pauseSession(ctx, s)
		})
	}
	err := g.Wait()

	metrics.Reconciliations.WithLabelValues("save_all").Inc()
	m.logger.Info("saved download states", zap.Int("downloads", len(active)), zap.Error(err))
	return err
}

// CheckBackgroundDownloads completes stopped downloads whose destination file
// already exists with exactly the expected total size. Downloads whose total
// is still unknown are skipped, since an older copy of the model may already
// sit at the destination. Returns the number of downloads completed.
func (m *Manager) CheckBackgroundDownloads(ctx context.Context) (int, error) {
	m.reconcile.Lock()
	defer m.reconcile.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	c := &change{}
	var completed []*session
	for _, id := range pendingIDs(m.pending) {
		s := m.sessions[id]
		if s == nil || s.run != nil || s.record.Status.IsTerminal() {
			continue
		}
		if s.record.TotalBytes <= 0 {
			continue
		}
		dest := m.fs.ModelPath(s.filename)
		if !m.fs.Exists(dest) {
			continue
		}
		size, err := m.fs.Size(dest)
		if err != nil || size <= 0 {
			continue
		}
		if size != s.record.TotalBytes {
			m.logger.Warn("destination size does not match expected total",
				zap.Int64("download_id", id),
				zap.String("filename", s.filename),
				zap.Int64("size", size),
				zap.Int64("expected", s.record.TotalBytes))
			continue
		}

		s.record.MarkCompleted(size)
		s.blob = nil
		delete(m.pending, id)
		c.progress, c.pending = true, true
		c.drop(id)
		completed = append(completed, s)
	}

	if len(completed) == 0 {
		return 0, nil
	}
	if err := m.commitLocked(ctx, "background_check", c); err != nil {
		return 0, err
	}

	for _, s := range completed {
		if err := m.fs.Delete(m.fs.PartialPath(s.filename)); err != nil {
			m.logger.Warn("failed to delete partial file", zap.String("filename", s.filename), zap.Error(err))
		}
		m.logger.Info("download completed in background",
			zap.Int64("download_id", s.id),
			zap.String("filename", s.filename),
			zap.Int64("size", s.record.TotalBytes))
		m.publishLocked(s.record)
		m.schedulePurgeLocked(s)
	}

	metrics.Reconciliations.WithLabelValues("background_check").Inc()
	return len(completed), nil
}

func (m *Manager) partialSize(filename string) (int64, bool) {
	partial := m.fs.PartialPath(filename)
	if !m.fs.Exists(partial) {
		return 0, false
	}
	size, err := m.fs.Size(partial)
	if err != nil {
		return 0, false
	}
	return size, true
}

func (m *Manager) pendingFor(s *session) *domain.PendingDownload {
	return &domain.PendingDownload{
		DownloadID:  s.id,
		URL:         s.url,
		Filename:    s.filename,
		Destination: m.fs.ModelPath(s.filename),
		CreatedAt:   time.Now(),
	}
}

func recordsByID(progress map[string]*domain.DownloadRecord) []string {
	names := make([]string, 0, len(progress))
	for name := range progress {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := progress[names[i]], progress[names[j]]
		if a == nil || b == nil {
			return names[i] < names[j]
		}
		if a.DownloadID != b.DownloadID {
			return a.DownloadID < b.DownloadID
		}
		return names[i] < names[j]
	})
	return names
}

func pendingIDs(pending map[int64]*domain.PendingDownload) []int64 {
	ids := make([]int64, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
