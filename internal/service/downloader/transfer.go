package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/domain"
	"github.com/vertextoedge/model-downloader/internal/domain/event"
	"github.com/vertextoedge/model-downloader/internal/metrics"
	"github.com/vertextoedge/model-downloader/internal/port"
)

// errStopped means the run was superseded by pause, cancel or reconciliation
var errStopped = errors.New("transfer stopped")

// startRunLocked launches a transfer goroutine for s. m.mu must be held.
func (m *Manager) startRunLocked(s *session) {
	run := newTransferRun(m.ctx)
	s.run = run
	m.wg.Add(1)
	go m.runTransfer(s, run)
}

// current reports whether run still owns s. m.mu must be held.
func (m *Manager) currentLocked(s *session, run *transferRun) bool {
	return m.sessions[s.id] == s && s.run == run
}

// waitRun waits for the run goroutine to exit, bounded by StopTimeout
func (m *Manager) waitRun(s *session, run *transferRun) {
	select {
	case <-run.done:
	case <-time.After(m.config.StopTimeout):
		m.logger.Warn("transfer did not stop in time",
			zap.Int64("download_id", s.id),
			zap.String("filename", s.filename),
			zap.Duration("timeout", m.config.StopTimeout))
	}
}

func (m *Manager) runTransfer(s *session, run *transferRun) {
	defer m.wg.Done()
	defer close(run.done)
	defer run.cancel()

	// One download's panic must not take the others down
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("transfer panicked",
				zap.Int64("download_id", s.id),
				zap.String("filename", s.filename),
				zap.Any("panic", r))
			m.finishFailed(s, run, fmt.Errorf("internal error: %v", r))
		}
	}()

	if m.slots != nil {
		select {
		case m.slots <- struct{}{}:
			defer func() { <-m.slots }()
		case <-run.ctx.Done():
			return
		}
	}

	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	size, err := m.transfer(run.ctx, s, run)
	switch {
	case errors.Is(err, errStopped) || run.ctx.Err() != nil:
		// Whoever stopped the run owns the state transition
		return
	case err != nil:
		m.finishFailed(s, run, err)
	default:
		m.finishCompleted(s, run, size)
	}
}

// transfer streams the body into the partial file and returns the verified size
func (m *Manager) transfer(ctx context.Context, s *session, run *transferRun) (int64, error) {
	partial := m.fs.PartialPath(s.filename)

	m.mu.Lock()
	if !m.currentLocked(s, run) {
		m.mu.Unlock()
		return 0, errStopped
	}
	req := port.FetchRequest{
		URL:     s.blob.URL,
		Method:  s.blob.Method,
		Headers: s.blob.Headers,
		ETag:    s.blob.ETag,
	}
	knownTotal := s.blob.TotalBytes
	m.mu.Unlock()

	// The partial file is the ground truth for the resume offset
	if m.fs.Exists(partial) {
		size, err := m.fs.Size(partial)
		if err != nil {
			return 0, &domain.FilesystemError{Operation: "stat", Path: partial, Err: err}
		}
		req.Offset = size
	}

	resp, err := m.transport.Fetch(ctx, req)
	if err != nil {
		return 0, withDownloadID(err, s.id)
	}
	defer resp.Body.Close()

	offset := req.Offset
	total := resp.TotalBytes
	if !resp.Partial {
		if offset > 0 {
			m.logger.Info("server sent the whole file, restarting from zero",
				zap.Int64("download_id", s.id),
				zap.String("filename", s.filename),
				zap.Int("status", resp.StatusCode))
		}
		offset = 0
	} else if total == 0 {
		total = knownTotal
	}

	if err := m.checkDiskSpace(total, offset); err != nil {
		return 0, err
	}

	file, err := m.fs.OpenAppend(partial, offset)
	if err != nil {
		return 0, &domain.FilesystemError{Operation: "open", Path: partial, Err: err}
	}
	defer file.Close()

	if err := m.beginDownloading(ctx, s, run, offset, total, resp.ETag); err != nil {
		return 0, err
	}

	received := offset
	buf := make([]byte, m.config.ChunkSize)
	for {
		if ctx.Err() != nil {
			return 0, errStopped
		}

		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return 0, &domain.TransferError{DownloadID: s.id, Operation: "write", Err: werr}
			}
			received += int64(n)
			metrics.BytesDownloaded.Add(float64(n))
			if err := m.commitChunk(ctx, s, run, received, total); err != nil {
				return 0, err
			}
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return 0, errStopped
			}
			return 0, &domain.TransferError{DownloadID: s.id, Operation: "read", Err: rerr}
		}
	}

	if err := file.Sync(); err != nil {
		return 0, &domain.TransferError{DownloadID: s.id, Operation: "write", Err: err}
	}
	if err := file.Close(); err != nil {
		return 0, &domain.TransferError{DownloadID: s.id, Operation: "write", Err: err}
	}

	size, err := m.fs.Size(partial)
	if err != nil {
		return 0, &domain.FilesystemError{Operation: "stat", Path: partial, Err: err}
	}
	if total > 0 && size != total {
		return 0, &domain.TransferError{
			DownloadID: s.id,
			Operation:  "verify",
			Err:        fmt.Errorf("%w: got %d bytes, want %d", domain.ErrSizeMismatch, size, total),
		}
	}
	return size, nil
}

func (m *Manager) checkDiskSpace(total, offset int64) error {
	if !m.config.CheckDiskSpace || total <= 0 {
		return nil
	}
	usage, err := m.fs.DiskUsage()
	if err != nil {
		m.logger.Debug("disk usage unavailable, skipping space check", zap.Error(err))
		return nil
	}

	need := uint64(total-offset) + uint64(domain.NormalizeBytes(m.config.MinFreeSpace))
	if usage.Free < need {
		return &domain.FilesystemError{
			Operation: "preflight",
			Path:      m.fs.RootDir(),
			Err: fmt.Errorf("%w: need %s, have %s", domain.ErrDiskFull,
				humanize.IBytes(need), humanize.IBytes(usage.Free)),
		}
	}
	return nil
}

// beginDownloading persists the downloading state at the effective offset
func (m *Manager) beginDownloading(ctx context.Context, s *session, run *transferRun, offset, total int64, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(s, run) {
		return errStopped
	}
	s.record.MarkDownloading()
	s.record.UpdateProgress(offset, total)
	s.blob.Capture(offset, total, "")
	s.blob.ETag = etag

	if err := m.commitLocked(ctx, "progress", (&change{progress: true}).put(s.blob)); err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		return err
	}
	m.publishLocked(s.record)
	return nil
}

// commitChunk persists progress write-through, then publishes it. A failed
// write withholds the event so subscribers never run ahead of the store;
// after MaxStoreFailures failures in a row the download fails.
func (m *Manager) commitChunk(ctx context.Context, s *session, run *transferRun, received, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(s, run) {
		return errStopped
	}
	s.record.UpdateProgress(received, total)
	s.blob.Capture(received, total, "")

	if err := m.commitLocked(ctx, "progress", &change{progress: true}); err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		run.storeFailures++
		if run.storeFailures >= m.config.MaxStoreFailures {
			return err
		}
		return nil
	}
	run.storeFailures = 0
	m.publishLocked(s.record)
	return nil
}

func (m *Manager) finishCompleted(s *session, run *transferRun, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(s, run) {
		return
	}

	partial := m.fs.PartialPath(s.filename)
	dest := m.fs.ModelPath(s.filename)
	if err := m.fs.Promote(partial, dest); err != nil {
		m.failLocked(s, &domain.FilesystemError{Operation: "rename", Path: dest, Err: err})
		return
	}
	if !m.fs.Exists(dest) {
		m.failLocked(s, &domain.TransferError{DownloadID: s.id, Operation: "verify",
			Err: fmt.Errorf("destination %s missing after rename", dest)})
		return
	}

	s.run = nil
	s.record.MarkCompleted(size)
	delete(m.pending, s.id)

	if err := m.commitLocked(context.Background(), "complete", (&change{progress: true, pending: true}).drop(s.id)); err != nil {
		m.logger.Warn("completed download not persisted; startup reconciliation will resolve it",
			zap.Int64("download_id", s.id),
			zap.Error(err))
	}

	m.logger.Info("download completed",
		zap.Int64("download_id", s.id),
		zap.String("filename", s.filename),
		zap.String("size", humanize.IBytes(uint64(size))))

	m.publishLocked(s.record)
	m.schedulePurgeLocked(s)
}

func (m *Manager) finishFailed(s *session, run *transferRun, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(s, run) {
		return
	}
	m.failLocked(s, cause)
}

// failLocked records a terminal failure. Without a retry path the partial
// file would be orphaned, so it goes too.
func (m *Manager) failLocked(s *session, cause error) {
	s.run = nil
	s.record.MarkFailed(cause.Error())
	s.blob = nil
	s.unavailable = "download failed"
	delete(m.pending, s.id)

	if err := m.fs.Delete(m.fs.PartialPath(s.filename)); err != nil {
		m.logger.Warn("failed to delete partial file",
			zap.Int64("download_id", s.id),
			zap.Error(err))
	}

	if err := m.commitLocked(context.Background(), "fail", (&change{progress: true, pending: true}).drop(s.id)); err != nil {
		m.logger.Warn("failed download not persisted; startup reconciliation will resolve it",
			zap.Int64("download_id", s.id),
			zap.Error(err))
	}

	m.logger.Warn("download failed",
		zap.Int64("download_id", s.id),
		zap.String("filename", s.filename),
		zap.Error(cause))

	m.publishLocked(s.record)
	m.schedulePurgeLocked(s)
}

// pauseSession stops the run of s and persists paused together with the
// resumable session. A transfer that already stopped itself counts as paused.
func (m *Manager) pauseSession(ctx context.Context, s *session) error {
	m.mu.Lock()
	if m.sessions[s.id] != s || s.record.Status.IsTerminal() ||
		(s.record.Status == domain.StatusPaused && s.run == nil) {
		m.mu.Unlock()
		return nil
	}
	run := s.run
	s.run = nil
	m.mu.Unlock()

	if run != nil {
		run.cancel()
		m.waitRun(s, run)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.id] != s || s.record.Status.IsTerminal() {
		return nil
	}

	offset := int64(0)
	partial := m.fs.PartialPath(s.filename)
	if m.fs.Exists(partial) {
		size, err := m.fs.Size(partial)
		if err != nil {
			return &domain.FilesystemError{Operation: "stat", Path: partial, Err: err}
		}
		offset = size
	}

	if s.blob == nil {
		s.blob = domain.NewResumableSession(s.id, s.url, s.filename, m.config.Headers)
		s.unavailable = ""
	}
	s.blob.Capture(offset, s.record.TotalBytes, "")
	s.record.UpdateProgress(offset, s.record.TotalBytes)
	s.record.MarkPaused()

	if err := m.commitLocked(ctx, "pause", (&change{progress: true}).put(s.blob)); err != nil {
		return err
	}

	m.logger.Info("download paused",
		zap.Int64("download_id", s.id),
		zap.String("filename", s.filename),
		zap.String("offset", humanize.IBytes(uint64(offset))))

	m.publishLocked(s.record)
	return nil
}

// schedulePurgeLocked removes a terminal record after the grace delay
func (m *Manager) schedulePurgeLocked(s *session) {
	m.stopTimerLocked(s.id)
	if m.closed {
		return
	}
	m.timers[s.id] = time.AfterFunc(m.config.GraceDelay, func() {
		m.purge(s)
	})
}

func (m *Manager) stopTimerLocked(id int64) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) purge(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.timers, s.id)
	if m.sessions[s.id] != s || !s.record.Status.IsTerminal() {
		return
	}
	m.purgeLocked(context.Background(), s)
}

// purgeLocked drops a terminal record from memory and the store
func (m *Manager) purgeLocked(ctx context.Context, s *session) {
	delete(m.sessions, s.id)
	delete(m.pending, s.id)
	if r := m.progress[s.filename]; r != nil && r.DownloadID == s.id {
		delete(m.progress, s.filename)
	}

	if err := m.commitLocked(ctx, "purge", (&change{progress: true, pending: true}).drop(s.id)); err != nil {
		m.logger.Warn("failed to purge finished download",
			zap.Int64("download_id", s.id),
			zap.Error(err))
	}
	m.bus.Publish(event.NewRemovedEvent(s.record))
}

func withDownloadID(err error, id int64) error {
	var te *domain.TransferError
	if errors.As(err, &te) && te.DownloadID == 0 {
		te.DownloadID = id
	}
	return err
}
