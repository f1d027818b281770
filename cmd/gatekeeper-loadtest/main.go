// Command gatekeeper-loadtest measures the redis-backed hot paths: session
// validation and rate-limit checks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/canvasmarket/gatekeeper"
	"github.com/canvasmarket/gatekeeper/session"
)

type options struct {
	sessions    int
	clients     int
	concurrency int
	ops         int
	rps         float64
	redisAddr   string
	prefix      string
}

func main() {
	var opts options
	flag.IntVar(&opts.sessions, "sessions", 100000, "number of sessions to seed")
	flag.IntVar(&opts.clients, "clients", 5000, "distinct client IPs for the rate-limit phase")
	flag.IntVar(&opts.concurrency, "concurrency", 256, "number of concurrent workers")
	flag.IntVar(&opts.ops, "ops", 200000, "operations per phase")
	flag.Float64Var(&opts.rps, "rps", 0, "global request rate cap; 0 means unthrottled")
	flag.StringVar(&opts.redisAddr, "redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	flag.StringVar(&opts.prefix, "prefix", "gk-load", "key prefix")
	flag.Parse()

	if opts.sessions <= 0 || opts.clients <= 0 || opts.concurrency <= 0 || opts.ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, clients, concurrency, and ops must be > 0")
		os.Exit(2)
	}
	if err := run(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	addr := opts.redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("failed to start miniredis: %w", err)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := session.NewStore(client, opts.prefix+":sess")
	ids := make([]string, opts.sessions)
	fmt.Printf("seeding %d sessions...\n", opts.sessions)
	startSeed := time.Now()
	for i := range ids {
		ids[i] = fmt.Sprintf("sid-%d", i)
		if err := store.Save(ctx, buildSession(ids[i], i), 24*time.Hour); err != nil {
			return fmt.Errorf("save failed: %w", err)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	gw, err := newGateway(client, opts.prefix)
	if err != nil {
		return err
	}
	defer gw.Close()

	var limiter *rate.Limiter
	if opts.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.rps), opts.concurrency)
	}

	validateStats, err := runPhase(ctx, opts, limiter, func(ctx context.Context, r *rand.Rand) (bool, error) {
		i := r.Intn(len(ids))
		return store.Valid(ctx, ids[i], userFor(i))
	})
	if err != nil {
		return err
	}

	checkStats, err := runPhase(ctx, opts, limiter, func(ctx context.Context, r *rand.Rand) (bool, error) {
		ip := clientIP(r.Intn(opts.clients))
		d, err := gw.Check(ctx, "general", gatekeeper.RequestInfo{IP: ip})
		if errors.Is(err, gatekeeper.ErrRateLimited) {
			// a deny is an expected outcome under load
			return true, nil
		}
		return err == nil && !d.Degraded, err
	})
	if err != nil {
		return err
	}

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("check", checkStats)
	snap := gw.MetricsSnapshot()
	fmt.Printf("rate limit: allowed=%d denied=%d store_failures=%d\n",
		snap.Counters[gatekeeper.MetricRateLimitAllowed],
		snap.Counters[gatekeeper.MetricRateLimitDenied],
		snap.Counters[gatekeeper.MetricRateLimitStoreFailure],
	)
	return nil
}

type nopIdentity struct{}

func (nopIdentity) ResolveIdentity(context.Context, gatekeeper.Credential) (gatekeeper.Identity, error) {
	return gatekeeper.Identity{}, gatekeeper.ErrInvalidCredential
}

type nopRoles struct{}

func (nopRoles) LookupRole(context.Context, string) (gatekeeper.RoleRecord, error) {
	return gatekeeper.RoleRecord{}, gatekeeper.ErrNotFound
}

func newGateway(client redis.UniversalClient, prefix string) (*gatekeeper.Gateway, error) {
	cfg := gatekeeper.DefaultConfig()
	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.RedisPrefix = prefix + ":rl"
	cfg.Audit.Enabled = false
	return gatekeeper.New().
		WithConfig(cfg).
		WithRedis(client).
		WithIdentityProvider(nopIdentity{}).
		WithRoleStore(nopRoles{}).
		WithLogger(zap.NewNop()).
		Build()
}

// runPhase executes opts.ops calls of op across opts.concurrency workers.
// op reports whether the call succeeded; an error counts as a failure.
func runPhase(ctx context.Context, opts options, limiter *rate.Limiter, op func(context.Context, *rand.Rand) (bool, error)) (phaseStats, error) {
	var (
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, opts.ops)
		mu        sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < opts.concurrency; w++ {
		worker := w
		g.Go(func() error {
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= opts.ops {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				}
				t0 := time.Now()
				ok, err := op(gctx, r)
				d := time.Since(t0)
				if err != nil || !ok {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return phaseStats{}, err
	}
	return computeStats(time.Since(start), latencies, failures), nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func buildSession(sid string, i int) *session.Session {
	now := time.Now()
	return &session.Session{
		SessionID: sid,
		UserID:    userFor(i),
		Email:     fmt.Sprintf("user%d@example.com", i%1000),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(24 * time.Hour).Unix(),
	}
}

func userFor(i int) string { return fmt.Sprintf("u-%d", i%1000) }

func clientIP(i int) string {
	return fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xff, (i>>8)&0xff, i&0xff)
}
