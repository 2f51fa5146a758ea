package event

import (
	"sync"

	"go.uber.org/zap"
)

// AllModels subscribes to events for every filename
const AllModels = "*"

// EventHandler handles progress events
type EventHandler interface {
	// Handle processes the event
	Handle(event ProgressEvent) error
}

// HandlerFunc adapts a function to EventHandler
type HandlerFunc func(event ProgressEvent)

// Handle calls f
func (f HandlerFunc) Handle(event ProgressEvent) error {
	f(event)
	return nil
}

// Bus is the in-memory progress event bus, keyed by filename.
//
// Every subscription owns an unbounded FIFO mailbox drained by its own
// goroutine, so Publish never blocks on a slow subscriber and never drops an
// event. Events for one subscription are delivered in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates a new Bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string]map[uint64]*subscription),
		logger: logger,
	}
}

// Subscribe registers handler for events of the given filename (or AllModels).
// The returned function removes the subscription; pending events are discarded.
func (b *Bus) Subscribe(key string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	sub := newSubscription(key, handler, b.logger)
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]*subscription)
	}
	b.subs[key][id] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.subs[key]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, key)
				}
			}
			b.mu.Unlock()
			sub.cancel()
		})
	}
}

// SubscribeFunc is Subscribe for plain functions
func (b *Bus) SubscribeFunc(key string, fn func(ProgressEvent)) func() {
	return b.Subscribe(key, HandlerFunc(fn))
}

// Publish enqueues the event for every matching subscription
func (b *Bus) Publish(event ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[event.ModelName] {
		sub.enqueue(event)
	}
	if event.ModelName != AllModels {
		for _, sub := range b.subs[AllModels] {
			sub.enqueue(event)
		}
	}
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}

// Close delivers everything already queued, then stops all subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]map[uint64]*subscription)
	b.mu.Unlock()

	for _, m := range subs {
		for _, sub := range m {
			sub.drainAndStop()
		}
	}
	b.wg.Wait()
}

// subscription is one mailbox plus its delivery goroutine
type subscription struct {
	key     string
	handler EventHandler
	logger  *zap.Logger

	mu       sync.Mutex
	queue    []ProgressEvent
	wake     chan struct{}
	draining bool
	stopped  bool
}

func newSubscription(key string, handler EventHandler, logger *zap.Logger) *subscription {
	return &subscription{
		key:     key,
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

func (s *subscription) enqueue(event ProgressEvent) {
	s.mu.Lock()
	if s.stopped || s.draining {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) cancel() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) drainAndStop() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				done := s.draining
				s.mu.Unlock()
				if done {
					return
				}
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, ev := range batch {
				if !s.deliver(ev) {
					return
				}
			}
		}
	}
}

// deliver calls the handler, returning false if the subscription was cancelled meanwhile
func (s *subscription) deliver(ev ProgressEvent) (ok bool) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return false
	}

	ok = true
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("progress subscriber panicked",
				zap.String("key", s.key),
				zap.String("model", ev.ModelName),
				zap.Any("panic", r))
		}
	}()

	if err := s.handler.Handle(ev); err != nil {
		s.logger.Warn("progress subscriber returned error",
			zap.String("key", s.key),
			zap.String("model", ev.ModelName),
			zap.Error(err))
	}
	return ok
}
