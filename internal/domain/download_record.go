package domain

import (
	"math"
	"time"
)

// Status is the lifecycle state of a download record
type Status string

// Download status constants
const (
	StatusStarting    Status = "starting"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"

	// StatusUnknown is only reported for IDs the manager does not track
	StatusUnknown Status = "unknown"
)

// IsTerminal returns true for completed and failed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive returns true while a transfer is (or is about to be) running
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusDownloading
}

// Valid returns true for the statuses that can be persisted
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// DownloadRecord is the persisted progress of one download, keyed by filename
type DownloadRecord struct {
	DownloadID      int64     `json:"downloadId"`
	Filename        string    `json:"filename"`
	URL             string    `json:"url"`
	Status          Status    `json:"status"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	TotalBytes      int64     `json:"totalBytes"`
	ProgressPercent int       `json:"progressPercent"`
	Error           string    `json:"error,omitempty"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// NewDownloadRecord creates a record in the starting state
func NewDownloadRecord(id int64, filename, url string) *DownloadRecord {
	return &DownloadRecord{
		DownloadID:  id,
		Filename:    filename,
		URL:         url,
		Status:      StatusStarting,
		LastUpdated: time.Now(),
	}
}

// UpdateProgress sets byte counters and recomputes the percentage
func (r *DownloadRecord) UpdateProgress(bytesDownloaded, totalBytes int64) {
	r.BytesDownloaded = NormalizeBytes(bytesDownloaded)
	r.TotalBytes = NormalizeBytes(totalBytes)
	if r.TotalBytes > 0 && r.BytesDownloaded > r.TotalBytes {
		r.BytesDownloaded = r.TotalBytes
	}
	r.ProgressPercent = Percent(r.BytesDownloaded, r.TotalBytes)
	r.touch()
}

// MarkDownloading moves the record into the downloading state
func (r *DownloadRecord) MarkDownloading() {
	r.Status = StatusDownloading
	r.Error = ""
	r.touch()
}

// MarkPaused moves the record into the paused state
func (r *DownloadRecord) MarkPaused() {
	r.Status = StatusPaused
	r.touch()
}

// MarkCompleted marks the record completed with the final size
func (r *DownloadRecord) MarkCompleted(size int64) {
	r.Status = StatusCompleted
	r.Error = ""
	r.UpdateProgress(size, size)
	r.ProgressPercent = 100
}

// MarkFailed marks the record failed with an error message
func (r *DownloadRecord) MarkFailed(msg string) {
	r.Status = StatusFailed
	r.Error = msg
	r.touch()
}

// Clone returns a copy of the record
func (r *DownloadRecord) Clone() *DownloadRecord {
	c := *r
	return &c
}

// touch advances LastUpdated, never moving it backwards even if the wall clock does
func (r *DownloadRecord) touch() {
	now := time.Now()
	if !now.After(r.LastUpdated) {
		now = r.LastUpdated.Add(time.Microsecond)
	}
	r.LastUpdated = now
}

// PendingDownload is the pending-download index entry, keyed by download ID.
// It is written before DownloadModel returns so an orphaned download can be
// detected after a crash.
type PendingDownload struct {
	DownloadID  int64     `json:"downloadId"`
	URL         string    `json:"url"`
	Filename    string    `json:"filename"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NormalizeBytes clamps byte counts coming off the wire to a non-negative value.
// Content-Length -1 (unknown) becomes 0.
func NormalizeBytes(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// Percent returns round(bytes/total*100) clamped to [0,100]; 0 when total is unknown
func Percent(bytesDownloaded, totalBytes int64) int {
	if totalBytes <= 0 || bytesDownloaded <= 0 {
		return 0
	}
	p := math.Round(float64(bytesDownloaded) / float64(totalBytes) * 100)
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}
