package event

import (
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/domain"
	"github.com/vertextoedge/model-downloader/internal/metrics"
	"github.com/vertextoedge/model-downloader/internal/util/ratelimiter"
)

// LoggingHandler logs progress events. Downloading events are throttled per
// model so a multi-gigabyte transfer does not log every chunk.
type LoggingHandler struct {
	logger  *zap.Logger
	limiter *ratelimiter.Keyed
}

// NewLoggingHandler creates a new LoggingHandler
func NewLoggingHandler(logger *zap.Logger, progressInterval time.Duration) *LoggingHandler {
	if progressInterval <= 0 {
		progressInterval = 10 * time.Second
	}
	return &LoggingHandler{
		logger:  logger,
		limiter: ratelimiter.NewKeyed(progressInterval),
	}
}

// Handle logs the event
func (h *LoggingHandler) Handle(e ProgressEvent) error {
	fields := []zap.Field{
		zap.Int64("download_id", e.DownloadID),
		zap.String("model", e.ModelName),
		zap.String("downloaded", humanize.IBytes(uint64(domain.NormalizeBytes(e.BytesDownloaded)))),
		zap.Int("progress", e.Progress),
	}
	if e.TotalBytes > 0 {
		fields = append(fields, zap.String("total", humanize.IBytes(uint64(e.TotalBytes))))
	}

	if e.Removed {
		h.limiter.Forget(e.ModelName)
		h.logger.Debug("download record removed", fields...)
		return nil
	}

	switch e.Status {
	case domain.StatusDownloading:
		if allowed, _ := h.limiter.Allow(e.ModelName); allowed {
			h.logger.Debug("download progress", fields...)
		}
	case domain.StatusStarting:
		h.logger.Info("download starting", fields...)
	case domain.StatusPaused:
		h.logger.Info("download paused", fields...)
	case domain.StatusCompleted:
		h.logger.Info("download completed", fields...)
	case domain.StatusFailed:
		h.logger.Warn("download failed", append(fields, zap.String("error", e.Error))...)
	default:
		h.logger.Debug("progress event", append(fields, zap.String("status", string(e.Status)))...)
	}
	return nil
}

// MetricsHandler counts events in prometheus
type MetricsHandler struct{}

// NewMetricsHandler creates a new MetricsHandler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// Handle updates metrics based on the event
func (h *MetricsHandler) Handle(e ProgressEvent) error {
	if e.Removed {
		metrics.DownloadEvents.WithLabelValues("removed").Inc()
		return nil
	}
	metrics.DownloadEvents.WithLabelValues(string(e.Status)).Inc()
	return nil
}
