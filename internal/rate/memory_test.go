package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStoreFixedWindow(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryStore(clock.Now, 0)
	defer store.Close()
	ctx := context.Background()
	window := 15 * time.Minute

	for i := int64(1); i <= 5; i++ {
		w, err := store.Increment(ctx, "auth:203.0.113.7", window)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if w.Count != i {
			t.Fatalf("expected count %d, got %d", i, w.Count)
		}
		clock.Advance(time.Minute)
	}

	w, err := store.Increment(ctx, "auth:203.0.113.7", window)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if w.Count != 6 {
		t.Fatalf("expected count 6, got %d", w.Count)
	}
	if w.ResetIn != 10*time.Minute {
		t.Fatalf("expected reset in 10m, got %v", w.ResetIn)
	}

	clock.Advance(10*time.Minute + time.Second)
	w, err = store.Increment(ctx, "auth:203.0.113.7", window)
	if err != nil {
		t.Fatalf("increment after window: %v", err)
	}
	if w.Count != 1 {
		t.Fatalf("expected window reset, got count %d", w.Count)
	}
	if w.ResetIn != window {
		t.Fatalf("expected full window after reset, got %v", w.ResetIn)
	}
}

func TestMemoryStoreBoundaryKeepsWindow(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryStore(clock.Now, 0)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Increment(ctx, "k", time.Minute); err != nil {
		t.Fatalf("increment: %v", err)
	}
	clock.Advance(time.Minute)
	w, err := store.Increment(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if w.Count != 2 || w.ResetIn != 0 {
		t.Fatalf("expected second hit in same window at boundary, got %+v", w)
	}
}

func TestMemoryStoreKeysIndependent(t *testing.T) {
	store := NewMemoryStore(newManualClock().Now, 0)
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := store.Increment(ctx, "a", time.Minute); err != nil {
			t.Fatalf("increment a: %v", err)
		}
	}
	w, err := store.Increment(ctx, "b", time.Minute)
	if err != nil {
		t.Fatalf("increment b: %v", err)
	}
	if w.Count != 1 {
		t.Fatalf("key b affected by key a: count %d", w.Count)
	}
}

func TestMemoryStoreConcurrentIncrementsAreNotLost(t *testing.T) {
	store := NewMemoryStore(nil, 0)
	defer store.Close()
	ctx := context.Background()

	const workers = 32
	const perWorker = 250

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := store.Increment(ctx, "shared", time.Hour); err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	w, err := store.Increment(ctx, "shared", time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if w.Count != workers*perWorker+1 {
		t.Fatalf("lost updates: expected %d, got %d", workers*perWorker+1, w.Count)
	}
}

func TestMemoryStoreSweepEvictsExpired(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryStore(clock.Now, 0)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Increment(ctx, "short", time.Second); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := store.Increment(ctx, "long", time.Hour); err != nil {
		t.Fatalf("increment: %v", err)
	}

	clock.Advance(2 * time.Second)
	if removed := store.Sweep(); removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 live bucket, got %d", store.Len())
	}

	w, err := store.Increment(ctx, "short", time.Second)
	if err != nil {
		t.Fatalf("increment after sweep: %v", err)
	}
	if w.Count != 1 {
		t.Fatalf("expected fresh bucket, got count %d", w.Count)
	}
}

func TestMemoryStoreReset(t *testing.T) {
	store := NewMemoryStore(newManualClock().Now, 0)
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = store.Increment(ctx, "k", time.Minute)
	}
	if err := store.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	w, err := store.Increment(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if w.Count != 1 {
		t.Fatalf("expected count 1 after reset, got %d", w.Count)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore(nil, time.Millisecond)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := store.Increment(context.Background(), "k", time.Minute); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

func TestMemoryStoreRejectsBadInput(t *testing.T) {
	store := NewMemoryStore(nil, 0)
	defer store.Close()

	if _, err := store.Increment(context.Background(), "k", 0); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Increment(ctx, "k", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
