package rate

import (
	"context"
	"time"
)

// Window is the state of one bucket right after an increment.
type Window struct {
	Count   int64
	Start   time.Time
	ResetIn time.Duration
}

// Store counts hits per key inside fixed windows.
//
// Increment must be atomic across concurrent callers sharing a key.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (Window, error)
	Reset(ctx context.Context, key string) error
	Close() error
}
