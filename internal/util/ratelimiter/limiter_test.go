package ratelimiter

import (
	"sync"
	"testing"
	"time"
)

func TestKeyed_Allow(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		keys     []string
		advance  []time.Duration // clock advance before each Allow() call
		want     []bool
	}{
		{
			name:     "first call always allowed",
			interval: 100 * time.Millisecond,
			keys:     []string{"a"},
			advance:  []time.Duration{0},
			want:     []bool{true},
		},
		{
			name:     "second call on same key is blocked",
			interval: 100 * time.Millisecond,
			keys:     []string{"a", "a"},
			advance:  []time.Duration{0, 0},
			want:     []bool{true, false},
		},
		{
			name:     "keys are independent",
			interval: 100 * time.Millisecond,
			keys:     []string{"a", "b", "a", "b"},
			advance:  []time.Duration{0, 0, 0, 0},
			want:     []bool{true, true, false, false},
		},
		{
			name:     "call after interval is allowed",
			interval: 50 * time.Millisecond,
			keys:     []string{"a", "a", "a"},
			advance:  []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond},
			want:     []bool{true, false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewKeyed(tt.interval)
			clock := time.Unix(1700000000, 0)
			limiter.now = func() time.Time { return clock }

			for i, key := range tt.keys {
				clock = clock.Add(tt.advance[i])

				allowed, wait := limiter.Allow(key)
				if allowed != tt.want[i] {
					t.Errorf("call %d (%s): Allow() = %v, want %v", i, key, allowed, tt.want[i])
				}
				if !allowed && wait <= 0 {
					t.Errorf("call %d: blocked but wait = %v, want > 0", i, wait)
				}
				if allowed && wait != 0 {
					t.Errorf("call %d: allowed but wait = %v, want 0", i, wait)
				}
			}
		})
	}
}

func TestKeyed_Forget(t *testing.T) {
	limiter := NewKeyed(time.Hour)

	if allowed, _ := limiter.Allow("m.bin"); !allowed {
		t.Fatal("first call should be allowed")
	}
	if allowed, _ := limiter.Allow("m.bin"); allowed {
		t.Fatal("second call should be blocked")
	}

	limiter.Forget("m.bin")
	if limiter.Len() != 0 {
		t.Errorf("Len() = %d, want 0", limiter.Len())
	}
	if allowed, _ := limiter.Allow("m.bin"); !allowed {
		t.Error("call after Forget() should be allowed")
	}
}

func TestKeyed_Reset(t *testing.T) {
	limiter := NewKeyed(time.Hour)
	limiter.Allow("a")
	limiter.Allow("b")

	limiter.Reset()
	if limiter.Len() != 0 {
		t.Errorf("Len() = %d, want 0", limiter.Len())
	}
	if allowed, _ := limiter.Allow("a"); !allowed {
		t.Error("call after Reset() should be allowed")
	}
}

func TestKeyed_Concurrent(t *testing.T) {
	limiter := NewKeyed(time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := limiter.Allow("shared"); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowedCount != 1 {
		t.Errorf("allowedCount = %d, want 1", allowedCount)
	}
	if limiter.Interval() != time.Hour {
		t.Errorf("Interval() = %v, want %v", limiter.Interval(), time.Hour)
	}
}
