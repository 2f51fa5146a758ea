package event

import (
	"time"

	"github.com/vertextoedge/model-downloader/internal/domain"
)

// EventDownloadProgress is the name under which progress events are emitted
const EventDownloadProgress = "downloadProgress"

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	// EventName returns the name of the event
	EventName() string
	// OccurredAt returns when the event occurred
	OccurredAt() time.Time
}

// ProgressEvent is the payload broadcast for every status change of a download.
// Removed is set once the record has been purged (after the grace delay or on
// cancel); Status then carries the last known status.
type ProgressEvent struct {
	ModelName       string        `json:"modelName"`
	Progress        int           `json:"progress"`
	BytesDownloaded int64         `json:"bytesDownloaded"`
	TotalBytes      int64         `json:"totalBytes"`
	Status          domain.Status `json:"status"`
	DownloadID      int64         `json:"downloadId"`
	Error           string        `json:"error,omitempty"`
	LastUpdated     time.Time     `json:"lastUpdated"`
	Removed         bool          `json:"removed,omitempty"`
}

// EventName returns the event name
func (e ProgressEvent) EventName() string {
	return EventDownloadProgress
}

// OccurredAt returns when the event occurred
func (e ProgressEvent) OccurredAt() time.Time {
	return e.LastUpdated
}

// NewProgressEvent builds an event from a record snapshot
func NewProgressEvent(r *domain.DownloadRecord) ProgressEvent {
	return ProgressEvent{
		ModelName:       r.Filename,
		Progress:        r.ProgressPercent,
		BytesDownloaded: r.BytesDownloaded,
		TotalBytes:      r.TotalBytes,
		Status:          r.Status,
		DownloadID:      r.DownloadID,
		Error:           r.Error,
		LastUpdated:     r.LastUpdated,
	}
}

// NewRemovedEvent builds the event announcing that a record was purged
func NewRemovedEvent(r *domain.DownloadRecord) ProgressEvent {
	e := NewProgressEvent(r)
	e.Removed = true
	e.LastUpdated = time.Now()
	if !e.LastUpdated.After(r.LastUpdated) {
		e.LastUpdated = r.LastUpdated.Add(time.Microsecond)
	}
	return e
}
