package port

import (
	"context"
	"io"
)

// FetchRequest describes one streaming GET, optionally resumed at Offset
type FetchRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Offset  int64
	// ETag guards a ranged request with If-Range
	ETag string
}

// FetchResponse is an open response body plus what the headers told us
type FetchResponse struct {
	Body       io.ReadCloser
	StatusCode int
	// TotalBytes is the full size of the resource, 0 when unknown
	TotalBytes int64
	// Partial is true when the body starts at the requested offset.
	// A ranged request answered with the full body reports false.
	Partial      bool
	ETag         string
	AcceptRanges bool
}

// Transport opens streaming HTTP transfers
type Transport interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// Lifecycle receives host background/foreground transitions
type Lifecycle interface {
	OnBackground(ctx context.Context) error
	OnForeground(ctx context.Context) error
	Tick(ctx context.Context) (int, error)
}
