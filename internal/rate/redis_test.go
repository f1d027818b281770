package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStoreTest(t *testing.T) (*RedisStore, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb, "gk:rl", nil)
	return store, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestRedisStoreFixedWindow(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()
	window := 15 * time.Minute

	for i := int64(1); i <= 6; i++ {
		w, err := store.Increment(ctx, "auth:203.0.113.7", window)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if w.Count != i {
			t.Fatalf("expected count %d, got %d", i, w.Count)
		}
		if w.ResetIn <= 0 || w.ResetIn > window {
			t.Fatalf("reset out of range: %v", w.ResetIn)
		}
	}

	ttl := mr.TTL("gk:rl:auth:203.0.113.7")
	if ttl <= 0 || ttl > window {
		t.Fatalf("expected TTL set once on first hit, got %v", ttl)
	}

	mr.FastForward(window + time.Second)

	w, err := store.Increment(ctx, "auth:203.0.113.7", window)
	if err != nil {
		t.Fatalf("increment after window: %v", err)
	}
	if w.Count != 1 {
		t.Fatalf("expected window reset, got %d", w.Count)
	}
}

func TestRedisStoreConcurrentIncrements(t *testing.T) {
	store, _, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := store.Increment(ctx, "shared", time.Minute); err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	w, err := store.Increment(ctx, "shared", time.Minute)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if w.Count != 401 {
		t.Fatalf("expected 401, got %d", w.Count)
	}
}

func TestRedisStoreReset(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	ctx := context.Background()

	if _, err := store.Increment(ctx, "k", time.Minute); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := store.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if mr.Exists("gk:rl:k") {
		t.Fatal("expected key deleted")
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr, done := newRedisStoreTest(t)
	defer done()
	mr.Close()

	_, err := store.Increment(context.Background(), "k", time.Minute)
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
