package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/port"
)

// Downloads is the part of the download manager driven by host transitions
type Downloads interface {
	SaveAllDownloadStates(ctx context.Context) error
	ResumePendingDownloads(ctx context.Context) error
	ResumeAll(ctx context.Context) (int, error)
	CheckBackgroundDownloads(ctx context.Context) (int, error)
}

// Config contains lifecycle service configuration
type Config struct {
	// CheckInterval is how often finished background downloads are looked for
	CheckInterval time.Duration

	// ResumeOnForeground restarts every resumable paused download when the
	// host comes back to the foreground
	ResumeOnForeground bool
}

// DefaultConfig returns default lifecycle configuration
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 30 * time.Second,
	}
}

var _ port.Lifecycle = (*Service)(nil)

// Service bridges host background/foreground transitions to the download manager
type Service struct {
	config    *Config
	downloads Downloads
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new lifecycle Service
func New(cfg *Config, downloads Downloads, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		config:    cfg,
		downloads: downloads,
		logger:    logger,
	}
}

// OnBackground saves every running download before the host suspends the process
func (s *Service) OnBackground(ctx context.Context) error {
	s.logger.Info("entering background, saving downloads")
	if err := s.downloads.SaveAllDownloadStates(ctx); err != nil {
		return fmt.Errorf("failed to save downloads: %w", err)
	}
	return nil
}

// OnForeground reloads download state and optionally resumes paused downloads
func (s *Service) OnForeground(ctx context.Context) error {
	s.logger.Info("entering foreground, reloading downloads")
	if err := s.downloads.ResumePendingDownloads(ctx); err != nil {
		return fmt.Errorf("failed to reload downloads: %w", err)
	}
	if !s.config.ResumeOnForeground {
		return nil
	}

	resumed, err := s.downloads.ResumeAll(ctx)
	if resumed > 0 {
		s.logger.Info("resumed downloads", zap.Int("count", resumed))
	}
	if err != nil {
		return fmt.Errorf("failed to resume downloads: %w", err)
	}
	return nil
}

// Tick completes downloads that finished while nobody was watching
func (s *Service) Tick(ctx context.Context) (int, error) {
	completed, err := s.downloads.CheckBackgroundDownloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("background check failed: %w", err)
	}
	if completed > 0 {
		s.logger.Info("completed background downloads", zap.Int("count", completed))
	}
	return completed, nil
}

// Start runs the periodic background check until ctx is done or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("lifecycle service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("lifecycle service started",
		zap.Duration("check_interval", s.config.CheckInterval),
		zap.Bool("resume_on_foreground", s.config.ResumeOnForeground))

	s.wg.Add(1)
	go s.checkLoop(ctx)

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("lifecycle service stopped")
	return nil
}

// Stop stops the lifecycle service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
}

func (s *Service) checkLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic background check failed", zap.Error(err))
			}
		}
	}
}
