package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ResumableSession is the serialized state needed to rebuild a stopped
// transfer as a new range request after the process dies.
type ResumableSession struct {
	DownloadID int64             `json:"downloadId"`
	URL        string            `json:"url"`
	Filename   string            `json:"filename"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Offset     int64             `json:"offset"`
	ETag       string            `json:"etag,omitempty"`
	TotalBytes int64             `json:"totalBytes"`
	SavedAt    time.Time         `json:"savedAt"`
}

// NewResumableSession creates a session blob starting at offset 0
func NewResumableSession(id int64, url, filename string, headers map[string]string) *ResumableSession {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &ResumableSession{
		DownloadID: id,
		URL:        url,
		Filename:   filename,
		Method:     http.MethodGet,
		Headers:    h,
		SavedAt:    time.Now(),
	}
}

// Capture records the current offset and validator
func (s *ResumableSession) Capture(offset, totalBytes int64, etag string) {
	s.Offset = NormalizeBytes(offset)
	s.TotalBytes = NormalizeBytes(totalBytes)
	if etag != "" {
		s.ETag = etag
	}
	s.SavedAt = time.Now()
}

// Validate checks that the blob can rebuild a request
func (s *ResumableSession) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: resumable session has no url", ErrInvalidInput)
	}
	if s.Filename == "" {
		return fmt.Errorf("%w: resumable session has no filename", ErrInvalidInput)
	}
	if s.Offset < 0 {
		return fmt.Errorf("%w: negative resume offset %d", ErrInvalidInput, s.Offset)
	}
	if s.Method == "" {
		s.Method = http.MethodGet
	}
	return nil
}

// Marshal encodes the session blob
func (s *ResumableSession) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ParseResumableSession decodes and validates a session blob
func ParseResumableSession(data []byte) (*ResumableSession, error) {
	var s ResumableSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse resumable session: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
