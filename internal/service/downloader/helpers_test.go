package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/adapter/filesystem"
	"github.com/vertextoedge/model-downloader/internal/adapter/httpclient"
	"github.com/vertextoedge/model-downloader/internal/adapter/memory"
	"github.com/vertextoedge/model-downloader/internal/domain"
	"github.com/vertextoedge/model-downloader/internal/domain/event"
	"github.com/vertextoedge/model-downloader/internal/port"
)

const waitTimeout = 5 * time.Second

func testPayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31 + i/7)
	}
	return out
}

// modelServer serves payload with byte-range support. When blockAt > 0 the
// first response stalls after writing blockAt bytes until released or the
// client goes away.
type modelServer struct {
	*httptest.Server
	payload     []byte
	etag        string
	blockAt     int64
	ignoreRange bool
	status      int

	release  chan struct{}
	blocked  chan struct{}
	once     atomic.Bool
	mu       sync.Mutex
	ranges   []string
	requests int
}

func newModelServer(t *testing.T, payload []byte, blockAt int64) *modelServer {
	t.Helper()
	s := &modelServer{
		payload: payload,
		etag:    `"model-v1"`,
		blockAt: blockAt,
		release: make(chan struct{}),
		blocked: make(chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.unblock()
		s.Server.Close()
	})
	return s
}

func (s *modelServer) unblock() {
	select {
	case <-s.release:
	default:
		close(s.release)
	}
}

func (s *modelServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func (s *modelServer) serve(w http.ResponseWriter, r *http.Request) {
	rng := r.Header.Get("Range")
	s.mu.Lock()
	s.ranges = append(s.ranges, rng)
	s.requests++
	s.mu.Unlock()

	if s.status != 0 {
		http.Error(w, http.StatusText(s.status), s.status)
		return
	}

	size := int64(len(s.payload))
	start := int64(0)
	if rng != "" && !s.ignoreRange {
		n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
		if err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		start = n
	}

	w.Header().Set("ETag", s.etag)
	w.Header().Set("Accept-Ranges", "bytes")
	if start >= size && start > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size-start, 10))
	if start > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	block := s.blockAt > 0 && s.once.CompareAndSwap(false, true)
	flusher, _ := w.(http.Flusher)
	pos := start
	for pos < size {
		end := pos + 1024
		if end > size {
			end = size
		}
		if block && pos < s.blockAt && end > s.blockAt {
			end = s.blockAt
		}
		if _, err := w.Write(s.payload[pos:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		pos = end
		if block && pos == s.blockAt {
			close(s.blocked)
			select {
			case <-s.release:
			case <-r.Context().Done():
				return
			}
		}
	}
}

// recorder collects every event it receives
type recorder struct {
	mu     sync.Mutex
	events []event.ProgressEvent
}

func (r *recorder) Handle(e event.ProgressEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []event.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.ProgressEvent(nil), r.events...)
}

func (r *recorder) find(pred func(event.ProgressEvent) bool) (event.ProgressEvent, bool) {
	for _, e := range r.all() {
		if pred(e) {
			return e, true
		}
	}
	return event.ProgressEvent{}, false
}

func (r *recorder) waitFor(t *testing.T, msg string, pred func(event.ProgressEvent) bool) event.ProgressEvent {
	t.Helper()
	var found event.ProgressEvent
	require.Eventually(t, func() bool {
		e, ok := r.find(pred)
		found = e
		return ok
	}, waitTimeout, 5*time.Millisecond, msg)
	return found
}

func withStatus(id int64, status domain.Status) func(event.ProgressEvent) bool {
	return func(e event.ProgressEvent) bool {
		return e.DownloadID == id && e.Status == status && !e.Removed
	}
}

func removed(id int64) func(event.ProgressEvent) bool {
	return func(e event.ProgressEvent) bool {
		return e.DownloadID == id && e.Removed
	}
}

type harness struct {
	t       *testing.T
	dir     string
	store   *memory.Store
	fs      *filesystem.Manager
	bus     *event.Bus
	events  *recorder
	manager *Manager
	config  *Config
}

func testConfig() *Config {
	return &Config{
		ChunkSize:   4 * 1024,
		GraceDelay:  50 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	}
}

// newHarness builds a manager over a memory store and a temp models dir
func newHarness(t *testing.T, store *memory.Store, dir string, cfg *Config) *harness {
	t.Helper()
	return newHarnessWith(t, store, dir, cfg, httpclient.New(httpclient.Config{}))
}

func newHarnessWith(t *testing.T, store *memory.Store, dir string, cfg *Config, transport port.Transport) *harness {
	t.Helper()
	if store == nil {
		store = memory.NewStore()
	}
	if dir == "" {
		dir = t.TempDir()
	}
	if cfg == nil {
		cfg = testConfig()
	}
	fs, err := filesystem.NewManager(dir)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		dir:    dir,
		store:  store,
		fs:     fs,
		bus:    event.NewBus(zap.NewNop()),
		events: &recorder{},
		config: cfg,
	}
	h.bus.Subscribe(event.AllModels, h.events)

	h.manager, err = New(context.Background(), cfg, store, fs, transport, h.bus, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	_ = h.manager.Close(context.Background())
	h.bus.Close()
}

func (h *harness) progressMap() map[string]*domain.DownloadRecord {
	h.t.Helper()
	out := map[string]*domain.DownloadRecord{}
	data, ok, err := h.store.Get(context.Background(), KeyProgress)
	require.NoError(h.t, err)
	if ok {
		require.NoError(h.t, json.Unmarshal(data, &out))
	}
	return out
}

func (h *harness) pendingMap() map[int64]*domain.PendingDownload {
	h.t.Helper()
	out := map[int64]*domain.PendingDownload{}
	data, ok, err := h.store.Get(context.Background(), KeyPending)
	require.NoError(h.t, err)
	if ok {
		require.NoError(h.t, json.Unmarshal(data, &out))
	}
	return out
}

func (h *harness) blob(id int64) (*domain.ResumableSession, bool) {
	h.t.Helper()
	data, ok, err := h.store.Get(context.Background(), ResumeKey(id))
	require.NoError(h.t, err)
	if !ok {
		return nil, false
	}
	blob, err := domain.ParseResumableSession(data)
	require.NoError(h.t, err)
	return blob, true
}

// seed writes persisted state the way a previous process would have left it
func seed(t *testing.T, store *memory.Store, records []*domain.DownloadRecord, blobs []*domain.ResumableSession) {
	t.Helper()
	ctx := context.Background()
	progress := map[string]*domain.DownloadRecord{}
	pending := map[int64]*domain.PendingDownload{}
	for _, r := range records {
		progress[r.Filename] = r
		pending[r.DownloadID] = &domain.PendingDownload{DownloadID: r.DownloadID, URL: r.URL, Filename: r.Filename}
	}
	data, err := json.Marshal(progress)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeyProgress, data))
	data, err = json.Marshal(pending)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeyPending, data))
	for _, b := range blobs {
		data, err := b.Marshal()
		require.NoError(t, err)
		require.NoError(t, store.Set(ctx, ResumeKey(b.DownloadID), data))
	}
}

// transportFunc adapts a function to port.Transport
type transportFunc func(ctx context.Context, req port.FetchRequest) (*port.FetchResponse, error)

func (f transportFunc) Fetch(ctx context.Context, req port.FetchRequest) (*port.FetchResponse, error) {
	return f(ctx, req)
}

func bodyOf(b []byte) *port.FetchResponse {
	return &port.FetchResponse{
		Body:       nopCloser{bytes.NewReader(b)},
		StatusCode: http.StatusOK,
		TotalBytes: int64(len(b)),
	}
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }
