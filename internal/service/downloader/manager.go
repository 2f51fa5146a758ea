package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/domain"
	"github.com/vertextoedge/model-downloader/internal/domain/event"
	"github.com/vertextoedge/model-downloader/internal/port"
)

const partialSuffix = ".downloading"

// Config contains download manager configuration
type Config struct {
	ChunkSize     int
	GraceDelay    time.Duration
	MaxConcurrent int
	StopTimeout   time.Duration
	// MaxStoreFailures is how many progress writes in a row may fail before
	// the download is failed instead of running ahead of the store
	MaxStoreFailures int
	// CheckDiskSpace fails a download up front when the remaining bytes plus
	// MinFreeSpace do not fit on disk
	CheckDiskSpace bool
	MinFreeSpace   int64
	// Headers are sent with every transfer and saved in resumable sessions
	Headers map[string]string
}

// DefaultConfig returns default download manager configuration
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:        1024 * 1024,
		GraceDelay:       time.Second,
		MaxConcurrent:    0,
		StopTimeout:      10 * time.Second,
		MaxStoreFailures: 5,
		CheckDiskSpace:   true,
	}
}

// Started is returned by DownloadModel
type Started struct {
	DownloadID int64  `json:"downloadId"`
	Path       string `json:"path"`
}

// StatusReport answers CheckDownloadStatus
type StatusReport struct {
	Status          domain.Status `json:"status"`
	BytesDownloaded int64         `json:"bytesDownloaded,omitempty"`
	TotalBytes      int64         `json:"totalBytes,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

// ModelFile is one finished model on disk
type ModelFile struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Manager is the download orchestrator and the only writer of the state store
type Manager struct {
	config    *Config
	store     port.StateStore
	fs        port.FileSystem
	transport port.Transport
	bus       *event.Bus
	ownsBus   bool
	logger    *zap.Logger

	// reconcile is held exclusively by whole-manager passes and shared by
	// per-download operations
	reconcile sync.RWMutex
	locks     *keyedMutex

	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*session
	progress map[string]*domain.DownloadRecord
	pending  map[int64]*domain.PendingDownload
	timers   map[int64]*time.Timer
	closed   bool

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager and runs startup reconciliation. bus may be nil, in
// which case the manager owns a private bus and closes it on Close.
func New(
	ctx context.Context,
	cfg *Config,
	store port.StateStore,
	fs port.FileSystem,
	transport port.Transport,
	bus *event.Bus,
	logger *zap.Logger,
) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024 * 1024
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.MaxStoreFailures <= 0 {
		cfg.MaxStoreFailures = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:    cfg,
		store:     store,
		fs:        fs,
		transport: transport,
		bus:       bus,
		logger:    logger,
		locks:     newKeyedMutex(),
		nextID:    1,
		sessions:  make(map[int64]*session),
		progress:  make(map[string]*domain.DownloadRecord),
		pending:   make(map[int64]*domain.PendingDownload),
		timers:    make(map[int64]*time.Timer),
	}
	if m.bus == nil {
		m.bus = event.NewBus(logger)
		m.ownsBus = true
	}
	if cfg.MaxConcurrent > 0 {
		m.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := fs.EnsureDir(fs.RootDir()); err != nil {
		m.cancel()
		return nil, &domain.FilesystemError{Operation: "mkdir", Path: fs.RootDir(), Err: err}
	}

	if err := m.ResumePendingDownloads(ctx); err != nil {
		m.cancel()
		return nil, fmt.Errorf("startup reconciliation failed: %w", err)
	}
	return m, nil
}

// Subscribe registers handler for events of filename, or event.AllModels
func (m *Manager) Subscribe(filename string, handler event.EventHandler) func() {
	return m.bus.Subscribe(filename, handler)
}

// SubscribeFunc is Subscribe for plain functions
func (m *Manager) SubscribeFunc(filename string, fn func(event.ProgressEvent)) func() {
	return m.bus.SubscribeFunc(filename, fn)
}

// DownloadModel persists a starting record and starts the transfer in the
// background. The returned path is where the finished file will live.
func (m *Manager) DownloadModel(ctx context.Context, rawURL, filename string) (*Started, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	m.reconcile.RLock()
	defer m.reconcile.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, domain.ErrManagerClosed
	}

	previous := m.progress[filename]
	if previous != nil && !previous.Status.IsTerminal() {
		return nil, &domain.AlreadyDownloadingError{Filename: filename, DownloadID: previous.DownloadID}
	}

	id := m.nextID
	m.nextID++

	dest := m.fs.ModelPath(filename)
	s := &session{
		id:       id,
		filename: filename,
		url:      rawURL,
		record:   domain.NewDownloadRecord(id, filename, rawURL),
		blob:     domain.NewResumableSession(id, rawURL, filename, m.config.Headers),
	}

	// A grace-window record for the same filename is replaced, never merged
	var previousSession *session
	if previous != nil {
		previousSession = m.sessions[previous.DownloadID]
		delete(m.sessions, previous.DownloadID)
		m.stopTimerLocked(previous.DownloadID)
	}
	m.sessions[id] = s
	m.progress[filename] = s.record
	m.pending[id] = &domain.PendingDownload{
		DownloadID:  id,
		URL:         rawURL,
		Filename:    filename,
		Destination: dest,
		CreatedAt:   time.Now(),
	}

	if err := m.commitLocked(ctx, "start", (&change{progress: true, pending: true}).put(s.blob)); err != nil {
		delete(m.sessions, id)
		delete(m.pending, id)
		delete(m.progress, filename)
		if previous != nil {
			m.progress[filename] = previous
			if previousSession != nil {
				m.sessions[previous.DownloadID] = previousSession
				m.schedulePurgeLocked(previousSession)
			}
		}
		return nil, err
	}

	// Leftovers from a crash between writes; a fresh download starts at zero
	if err := m.fs.Delete(m.fs.PartialPath(filename)); err != nil {
		m.logger.Warn("failed to remove stale partial file",
			zap.String("filename", filename),
			zap.Error(err))
	}

	m.logger.Info("download requested",
		zap.Int64("download_id", id),
		zap.String("filename", filename),
		zap.String("url", rawURL))

	m.publishLocked(s.record)
	m.startRunLocked(s)

	return &Started{DownloadID: id, Path: dest}, nil
}

// PauseDownload stops the transfer and persists a paused record together
// with its resumable session. Pausing a paused or finished download is a no-op.
func (m *Manager) PauseDownload(ctx context.Context, id int64) error {
	m.reconcile.RLock()
	defer m.reconcile.RUnlock()
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: %d", domain.ErrDownloadNotFound, id)
	}
	return m.pauseSession(ctx, s)
}

// ResumeDownload restarts a paused download from its saved offset
func (m *Manager) ResumeDownload(ctx context.Context, id int64) error {
	m.reconcile.RLock()
	defer m.reconcile.RUnlock()
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeLocked(ctx, id)
}

func (m *Manager) resumeLocked(ctx context.Context, id int64) error {
	if m.closed {
		return domain.ErrManagerClosed
	}
	s := m.sessions[id]
	if s == nil {
		return fmt.Errorf("%w: %d", domain.ErrDownloadNotFound, id)
	}
	if s.run != nil {
		return nil
	}
	if s.record.Status.IsTerminal() {
		return &domain.ResumptionUnavailableError{DownloadID: id, Reason: "download already " + string(s.record.Status)}
	}
	if !s.resumable() {
		return &domain.ResumptionUnavailableError{DownloadID: id, Reason: s.unavailable}
	}
	if (s.blob.Offset > 0 || s.record.BytesDownloaded > 0) && !m.fs.Exists(m.fs.PartialPath(s.filename)) {
		return &domain.ResumptionUnavailableError{DownloadID: id, Reason: "partial file is missing"}
	}

	prevStatus := s.record.Status
	s.record.MarkDownloading()
	if err := m.commitLocked(ctx, "resume", &change{progress: true}); err != nil {
		s.record.Status = prevStatus
		return err
	}

	m.logger.Info("resuming download",
		zap.Int64("download_id", id),
		zap.String("filename", s.filename),
		zap.Int64("from_byte", s.blob.Offset))

	m.publishLocked(s.record)
	m.startRunLocked(s)
	return nil
}

// ResumeAll resumes every paused download that has a resumable session and
// returns how many were started
func (m *Manager) ResumeAll(ctx context.Context) (int, error) {
	m.reconcile.Lock()
	defer m.reconcile.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	started := 0
	for _, s := range m.sortedSessionsLocked() {
		if s.run != nil || s.record.Status != domain.StatusPaused || !s.resumable() {
			continue
		}
		if err := m.resumeLocked(ctx, s.id); err != nil {
			if !domain.IsResumptionUnavailable(err) {
				errs = append(errs, err)
			}
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

// CancelDownload aborts the transfer, deletes the partial file and purges
// every persisted artifact. Unknown IDs return false.
func (m *Manager) CancelDownload(ctx context.Context, id int64) (bool, error) {
	m.reconcile.RLock()
	defer m.reconcile.RUnlock()
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return false, nil
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

	if m.sessions[id] != s {
		return false, nil
	}

	record := m.progress[s.filename]
	pending := m.pending[id]
	delete(m.progress, s.filename)
	delete(m.pending, id)

	if err := m.commitLocked(ctx, "cancel", (&change{progress: true, pending: true}).drop(id)); err != nil {
		if record != nil {
			m.progress[s.filename] = record
		}
		if pending != nil {
			m.pending[id] = pending
		}
		// The transfer is stopped either way
		if s.record.Status.IsActive() {
			s.record.MarkPaused()
		}
		return false, err
	}

	delete(m.sessions, id)
	m.stopTimerLocked(id)

	if !s.record.Status.IsTerminal() {
		if err := m.fs.Delete(m.fs.PartialPath(s.filename)); err != nil {
			m.logger.Warn("failed to delete partial file",
				zap.Int64("download_id", id),
				zap.String("filename", s.filename),
				zap.Error(err))
		}
	}

	m.logger.Info("download cancelled",
		zap.Int64("download_id", id),
		zap.String("filename", s.filename))

	m.bus.Publish(event.NewRemovedEvent(s.record))
	return true, nil
}

// CheckDownloadStatus reports the state of a download; unknown IDs report StatusUnknown
func (m *Manager) CheckDownloadStatus(id int64) StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[id]
	if s == nil {
		return StatusReport{Status: domain.StatusUnknown, Reason: "no such download"}
	}
	report := StatusReport{
		Status:          s.record.Status,
		BytesDownloaded: s.record.BytesDownloaded,
		TotalBytes:      s.record.TotalBytes,
	}
	switch {
	case s.record.Status == domain.StatusFailed:
		report.Reason = s.record.Error
	case !s.resumable() && s.run == nil:
		report.Reason = s.unavailable
	}
	return report
}

// Downloads returns a snapshot of every tracked record ordered by ID
func (m *Manager) Downloads() []domain.DownloadRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DownloadRecord, 0, len(m.sessions))
	for _, s := range m.sortedSessionsLocked() {
		out = append(out, *s.record.Clone())
	}
	return out
}

// GetStoredModels lists finished models in the models directory
func (m *Manager) GetStoredModels() ([]ModelFile, error) {
	root := m.fs.RootDir()
	files, err := m.fs.ReadDir(root)
	if err != nil {
		return nil, &domain.FilesystemError{Operation: "readdir", Path: root, Err: err}
	}

	models := make([]ModelFile, 0, len(files))
	for _, f := range files {
		models = append(models, ModelFile{
			Name:     f.Name,
			Path:     f.Path,
			Size:     f.Size,
			Modified: f.Modified,
		})
	}
	return models, nil
}

// DeleteModel removes a finished model. path may be absolute or a bare
// filename; anything outside the models directory is refused.
func (m *Manager) DeleteModel(path string) bool {
	target, ok := m.resolveModelPath(path)
	if !ok {
		m.logger.Warn("refusing to delete path outside models directory", zap.String("path", path))
		return false
	}
	if !m.fs.Exists(target) {
		return false
	}
	if err := m.fs.Delete(target); err != nil {
		m.logger.Warn("failed to delete model",
			zap.String("path", target),
			zap.Error(&domain.FilesystemError{Operation: "delete", Path: target, Err: err}))
		return false
	}
	m.logger.Info("model deleted", zap.String("path", target))
	return true
}

func (m *Manager) resolveModelPath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	root := filepath.Clean(m.fs.RootDir())
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	if filepath.Dir(target) != root || strings.HasSuffix(target, partialSuffix) {
		return "", false
	}
	return target, true
}

// Close pauses every running transfer, persisting its state, then stops
// background work. The manager cannot be used afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.SaveAllDownloadStates(ctx)

	m.mu.Lock()
	for id := range m.timers {
		m.stopTimerLocked(id)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	if m.ownsBus {
		m.bus.Close()
	}
	return err
}

// publishLocked emits the record. Called after the record was persisted so a
// subscriber never sees state ahead of the store.
func (m *Manager) publishLocked(r *domain.DownloadRecord) {
	m.bus.Publish(event.NewProgressEvent(r))
}

func (m *Manager) sortedSessionsLocked() []*session {
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", domain.ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s): %q", domain.ErrInvalidInput, raw)
	}
	return nil
}

func validateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: filename is required", domain.ErrInvalidInput)
	case name == "." || name == "..":
		return fmt.Errorf("%w: invalid filename %q", domain.ErrInvalidInput, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: filename must not contain path separators: %q", domain.ErrInvalidInput, name)
	case strings.HasSuffix(name, partialSuffix):
		return fmt.Errorf("%w: filename must not end in %s", domain.ErrInvalidInput, partialSuffix)
	}
	return nil
}
