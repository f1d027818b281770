package gatekeeper

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	internalaudit "github.com/canvasmarket/gatekeeper/internal/audit"
	"github.com/canvasmarket/gatekeeper/internal/limiters"
	"github.com/canvasmarket/gatekeeper/internal/rate"
	"github.com/canvasmarket/gatekeeper/internal/upstream"
)

// Gateway is the security gateway every request handler calls before its
// business logic. It is safe for concurrent use.
type Gateway struct {
	config Config
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	rateStore   rate.Store
	ownsStore   bool
	limiter     *limiters.PolicySet
	ipExtractor *clientIPExtractor

	identity      IdentityProvider
	roles         RoleStore
	invitations   InvitationStore
	artists       ArtistStore
	identityGuard *upstream.Guard
	roleGuard     *upstream.Guard
	inviteGuard   *upstream.Guard
	consumeGuard  *upstream.Guard

	allowedMIME map[string]string

	audit     *internalaudit.Dispatcher
	metrics   *Metrics
	responder *Responder

	closeOnce sync.Once
}

type gatewayDeps struct {
	config      Config
	rateStore   rate.Store
	redis       redis.UniversalClient
	identity    IdentityProvider
	roles       RoleStore
	invitations InvitationStore
	artists     ArtistStore
	logger      *zap.Logger
	auditSink   AuditSink
	now         func() time.Time
	newID       func() string
}

func newGateway(d gatewayDeps) (*Gateway, error) {
	cfg := d.config
	now := d.now
	if now == nil {
		now = time.Now
	}
	newID := d.newID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}

	extractor, err := newClientIPExtractor(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return nil, err
	}
	allowed, err := cfg.allowedMIME()
	if err != nil {
		return nil, err
	}
	policies, err := cfg.limiterPolicies()
	if err != nil {
		return nil, err
	}

	store := d.rateStore
	owns := false
	if store == nil {
		owns = true
		switch cfg.RateLimit.Backend {
		case "redis":
			store = rate.NewRedisStore(d.redis, cfg.RateLimit.RedisPrefix, now)
		default:
			store = rate.NewMemoryStore(now, cfg.RateLimit.SweepInterval)
		}
	}

	limiter, err := limiters.NewPolicySet(store, policies, cfg.RateLimit.StoreTimeout)
	if err != nil {
		if owns {
			_ = store.Close()
		}
		return nil, err
	}

	g := &Gateway{
		config:      cfg,
		logger:      d.logger,
		now:         now,
		newID:       newID,
		rateStore:   store,
		ownsStore:   owns,
		limiter:     limiter,
		ipExtractor: extractor,
		identity:    d.identity,
		roles:       d.roles,
		invitations: d.invitations,
		artists:     d.artists,
		allowedMIME: allowed,
		metrics:     NewMetrics(cfg.Metrics),
	}

	g.identityGuard = upstream.New(upstream.Config{
		Name:          "identity_provider",
		Timeout:       cfg.Auth.UpstreamTimeout,
		MaxFailures:   cfg.Auth.Breaker.MaxFailures,
		OpenTimeout:   cfg.Auth.Breaker.OpenTimeout,
		Expected:      func(err error) bool { return errors.Is(err, ErrInvalidCredential) },
		OnStateChange: g.logBreakerState,
	})
	g.roleGuard = upstream.New(upstream.Config{
		Name:          "role_store",
		Timeout:       cfg.Auth.UpstreamTimeout,
		MaxFailures:   cfg.Auth.Breaker.MaxFailures,
		OpenTimeout:   cfg.Auth.Breaker.OpenTimeout,
		Expected:      func(err error) bool { return errors.Is(err, ErrNotFound) },
		OnStateChange: g.logBreakerState,
	})
	g.inviteGuard = upstream.New(upstream.Config{
		Name:     "invitation_store",
		Timeout:  cfg.Invitation.StoreTimeout,
		Expected: func(err error) bool { return errors.Is(err, ErrNotFound) },
	})
	g.consumeGuard = upstream.New(upstream.Config{
		Name:     "invitation_consume",
		Timeout:  cfg.Invitation.ConsumeTimeout,
		Expected: func(err error) bool { return errors.Is(err, ErrConflict) },
	})

	sink := d.auditSink
	if sink == nil {
		sink = internalaudit.NewZapSink(d.logger)
	}
	g.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:     cfg.Audit.Enabled,
		BufferSize:  cfg.Audit.BufferSize,
		DropIfFull:  cfg.Audit.DropIfFull,
		SinkTimeout: cfg.Audit.SinkTimeout,
		Logger:      d.logger,
	}, sink)

	g.responder = NewResponder(d.logger)
	return g, nil
}

func (g *Gateway) logBreakerState(name string, from, to gobreaker.State) {
	g.logger.Warn("circuit breaker state change",
		zap.String("upstream", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Config returns a copy of the effective configuration.
func (g *Gateway) Config() Config {
	if g == nil {
		return Config{}
	}
	return cloneConfig(g.config)
}

// Logger returns the Gateway's logger.
func (g *Gateway) Logger() *zap.Logger {
	if g == nil || g.logger == nil {
		return zap.NewNop()
	}
	return g.logger
}

// Responder returns the error renderer bound to the Gateway's logger.
func (g *Gateway) Responder() *Responder {
	if g == nil {
		return NewResponder(nil)
	}
	return g.responder
}

// MetricsSnapshot returns a copy of every counter.
func (g *Gateway) MetricsSnapshot() MetricsSnapshot {
	if g == nil {
		return (*Metrics)(nil).Snapshot()
	}
	return g.metrics.Snapshot()
}

// AuditDropped reports how many audit events were dropped because the
// buffer was full.
func (g *Gateway) AuditDropped() uint64 {
	if g == nil {
		return 0
	}
	return g.audit.Dropped()
}

// Close flushes pending audit events and releases the bucket store if the
// Gateway created it.
func (g *Gateway) Close() {
	if g == nil {
		return
	}
	g.closeOnce.Do(func() {
		g.audit.Close()
		if g.ownsStore && g.rateStore != nil {
			if err := g.rateStore.Close(); err != nil {
				g.logger.Warn("rate store close failed", zap.Error(err))
			}
		}
		_ = g.logger.Sync()
	})
}
