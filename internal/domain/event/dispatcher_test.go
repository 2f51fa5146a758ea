package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/domain"
)

type collector struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (c *collector) Handle(e ProgressEvent) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ProgressEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func progress(model string, n int) ProgressEvent {
	return ProgressEvent{
		ModelName:       model,
		BytesDownloaded: int64(n),
		Status:          domain.StatusDownloading,
		LastUpdated:     time.Unix(1700000000, int64(n)),
	}
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())
	c := &collector{}
	bus.Subscribe("a.bin", c)

	for i := 0; i < 500; i++ {
		bus.Publish(progress("a.bin", i))
	}
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 500)
	for i, e := range got {
		assert.Equal(t, int64(i), e.BytesDownloaded)
	}
}

func TestBus_FiltersByModel(t *testing.T) {
	bus := NewBus(zap.NewNop())
	a, b, all := &collector{}, &collector{}, &collector{}
	bus.Subscribe("a.bin", a)
	bus.Subscribe("b.bin", b)
	bus.Subscribe(AllModels, all)
	assert.Equal(t, 3, bus.SubscriberCount())

	bus.Publish(progress("a.bin", 1))
	bus.Publish(progress("b.bin", 2))
	bus.Publish(progress("c.bin", 3))
	bus.Close()

	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)
	assert.Len(t, all.snapshot(), 3)
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(zap.NewNop())
	release := make(chan struct{})
	bus.SubscribeFunc("a.bin", func(ProgressEvent) { <-release })
	fast := &collector{}
	bus.Subscribe("a.bin", fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(progress("a.bin", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	assert.Eventually(t, func() bool { return fast.count() == 1000 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	bus.Close()
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())
	c := &collector{}
	unsubscribe := bus.Subscribe("a.bin", c)

	bus.Publish(progress("a.bin", 1))
	assert.Eventually(t, func() bool { return c.count() == 1 }, time.Second, time.Millisecond)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(progress("a.bin", 2))
	bus.Close()
	assert.Equal(t, 1, c.count())
}

func TestBus_PanickingHandlerKeepsSubscription(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var mu sync.Mutex
	seen := 0
	bus.SubscribeFunc("a.bin", func(e ProgressEvent) {
		mu.Lock()
		seen++
		mu.Unlock()
		if e.BytesDownloaded == 0 {
			panic("boom")
		}
	})

	bus.Publish(progress("a.bin", 0))
	bus.Publish(progress("a.bin", 1))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen)
}

func TestBus_ClosedIgnoresPublishAndSubscribe(t *testing.T) {
	bus := NewBus(nil)
	bus.Close()
	bus.Close()

	c := &collector{}
	unsubscribe := bus.Subscribe("a.bin", c)
	unsubscribe()
	bus.Publish(progress("a.bin", 1))

	assert.Equal(t, 0, c.count())
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestNewRemovedEvent(t *testing.T) {
	r := domain.NewDownloadRecord(3, "m.gguf", "https://example.com/m.gguf")
	r.LastUpdated = time.Now().Add(time.Hour)

	e := NewRemovedEvent(r)
	assert.True(t, e.Removed)
	assert.Equal(t, "m.gguf", e.ModelName)
	assert.Equal(t, int64(3), e.DownloadID)
	assert.True(t, e.LastUpdated.After(r.LastUpdated))
	assert.Equal(t, EventDownloadProgress, e.EventName())
}
