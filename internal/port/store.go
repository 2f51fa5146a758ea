package port

import "context"

// StateStore is a durable key-value store. Every call is individually atomic
// and completes before it returns.
type StateStore interface {
	// Get returns the value for key and whether it exists
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Batcher is implemented by stores that can apply several writes atomically
type Batcher interface {
	// Apply stores all puts and removes all deletes in a single transaction
	Apply(ctx context.Context, puts map[string][]byte, deletes []string) error
}

// Pinger is implemented by stores that can report their health
type Pinger interface {
	Ping() error
}

// KeyLister is implemented by stores that can enumerate keys
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}
