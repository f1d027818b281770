package rate

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	mu     sync.Mutex
	start  time.Time
	window time.Duration
	count  int64
	dead   bool
}

// MemoryStore keeps buckets in a process-wide map.
//
// Each instance enforces limits on its own; replicas behind a load balancer
// do not share counts. Use [RedisStore] for that.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a store reading time from now. A positive
// sweepInterval starts a goroutine evicting expired buckets.
func NewMemoryStore(now func() time.Time, sweepInterval time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// Increment bumps the counter for key, resetting it first when the current
// window has elapsed.
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (Window, error) {
	if window <= 0 {
		return Window{}, ErrInvalidWindow
	}
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	for {
		b, err := s.load(key, window)
		if err != nil {
			return Window{}, err
		}

		b.mu.Lock()
		if b.dead {
			// evicted between load and lock
			b.mu.Unlock()
			continue
		}

		now := s.now()
		elapsed := now.Sub(b.start)
		if b.count == 0 || elapsed > window || elapsed < 0 {
			b.start = now
			b.count = 0
			elapsed = 0
		}
		b.window = window
		b.count++

		w := Window{
			Count:   b.count,
			Start:   b.start,
			ResetIn: window - elapsed,
		}
		b.mu.Unlock()
		return w, nil
	}
}

// Reset drops the bucket for key.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if b, ok := s.buckets[key]; ok {
		b.mu.Lock()
		b.dead = true
		b.mu.Unlock()
		delete(s.buckets, key)
	}
	return nil
}

// Sweep evicts every bucket whose window has elapsed and returns how many
// were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, b := range s.buckets {
		b.mu.Lock()
		if now.Sub(b.start) > b.window {
			b.dead = true
			delete(s.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Len reports the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Close stops the sweeper. Later calls fail with [ErrStoreClosed].
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.buckets = make(map[string]*bucket)
		s.mu.Unlock()

		close(s.stop)
		<-s.done
	})
	return nil
}

func (s *MemoryStore) load(key string, window time.Duration) (*bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{window: window}
		s.buckets[key] = b
	}
	return b, nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}
