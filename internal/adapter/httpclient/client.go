package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vertextoedge/model-downloader/internal/domain"
	"github.com/vertextoedge/model-downloader/internal/port"
)

// Config holds transport tuning
type Config struct {
	UserAgent             string
	ResponseHeaderTimeout time.Duration
	// MaxBytesPerSecond caps the combined read rate of all bodies; 0 disables it
	MaxBytesPerSecond int64
	BufferSize        int
}

// Client implements port.Transport on net/http
type Client struct {
	http      *http.Client
	userAgent string
	limiter   *rate.Limiter
}

// Ensure Client implements port.Transport
var _ port.Transport = (*Client)(nil)

// New creates a Client tuned for long-running binary downloads
func New(cfg Config) *Client {
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024 * 1024
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,

		// Connection pooling
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,

		// Buffer sizes for high-speed transfers
		WriteBufferSize: 64 * 1024,
		ReadBufferSize:  cfg.BufferSize,

		ForceAttemptHTTP2: true,

		// Model files are already compressed or incompressible
		DisableCompression: true,

		// Response header timeout (not total download timeout)
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	return NewWithHTTPClient(&http.Client{
		Transport: transport,
		Timeout:   0, // No timeout for downloads
	}, cfg)
}

// NewWithHTTPClient wraps an existing http.Client
func NewWithHTTPClient(hc *http.Client, cfg Config) *Client {
	c := &Client{http: hc, userAgent: cfg.UserAgent}
	if cfg.MaxBytesPerSecond > 0 {
		burst := int(cfg.MaxBytesPerSecond)
		if burst > 4*1024*1024 {
			burst = 4 * 1024 * 1024
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecond), burst)
	}
	return c
}

// Fetch opens a streaming request. A positive Offset sends a Range header and,
// when a strong ETag is known, If-Range so a changed resource comes back whole.
// Weak validators never match If-Range, so they are left out.
func (c *Client) Fetch(ctx context.Context, req port.FetchRequest) (*port.FetchResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, &domain.TransferError{Operation: "request", Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))
		if isStrongETag(req.ETag) {
			httpReq.Header.Set("If-Range", req.ETag)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.TransferError{Operation: "connect", Err: err}
	}

	out := &port.FetchResponse{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != req.Offset {
			resp.Body.Close()
			return nil, &domain.TransferError{
				Operation:  "fetch",
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), req.Offset),
			}
		}
		out.Partial = true
		out.AcceptRanges = true
		out.TotalBytes = total

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && req.Offset > 0:
		// Nothing left to send: the partial file already holds every byte
		_, total, _ := parseContentRange(resp.Header.Get("Content-Range"))
		if total != req.Offset {
			resp.Body.Close()
			return nil, &domain.TransferError{Operation: "fetch", StatusCode: resp.StatusCode,
				Err: errors.New("range not satisfiable")}
		}
		resp.Body.Close()
		out.Partial = true
		out.TotalBytes = total
		out.Body = io.NopCloser(strings.NewReader(""))
		return out, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.TotalBytes = domain.NormalizeBytes(resp.ContentLength)

	default:
		resp.Body.Close()
		return nil, &domain.TransferError{
			Operation:  "fetch",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}

	out.Body = resp.Body
	if c.limiter != nil {
		out.Body = &limitedBody{ctx: ctx, rc: resp.Body, limiter: c.limiter}
	}
	return out, nil
}

func isStrongETag(etag string) bool {
	return strings.HasPrefix(etag, `"`) && len(etag) >= 2 && strings.HasSuffix(etag, `"`)
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// total is 0 when the server reports "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	spec, size, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		total = n
	}
	if spec == "*" {
		return 0, total, true
	}
	first, _, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	return start, total, true
}

// limitedBody throttles reads through a shared token bucket
type limitedBody struct {
	ctx     context.Context
	rc      io.ReadCloser
	limiter *rate.Limiter
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if burst := b.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := b.rc.Read(p)
	if n > 0 {
		if werr := b.limiter.WaitN(b.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (b *limitedBody) Close() error {
	return b.rc.Close()
}
