package gatekeeper

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/canvasmarket/gatekeeper/internal/rate"
)

// RateStore holds rate-limit buckets. The in-process and Redis stores
// implement it; a custom shared cache can too.
type RateStore = rate.Store

// BucketWindow is the state a RateStore reports after one increment.
type BucketWindow = rate.Window

// Builder assembles a Gateway. It is single-use.
type Builder struct {
	config Config

	rateStore RateStore
	redis     redis.UniversalClient

	identity    IdentityProvider
	roles       RoleStore
	invitations InvitationStore
	artists     ArtistStore

	logger    *zap.Logger
	auditSink AuditSink
	now       func() time.Time
	newID     func() string

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces DefaultConfig. Build validates the result.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRateStore overrides the store selected by RateLimit.Backend. The
// Gateway does not close a store supplied this way.
func (b *Builder) WithRateStore(store RateStore) *Builder {
	b.rateStore = store
	return b
}

// WithRedis supplies the client used when RateLimit.Backend is "redis".
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithIdentityProvider sets the provider that turns credentials into
// identities. It is required.
func (b *Builder) WithIdentityProvider(p IdentityProvider) *Builder {
	b.identity = p
	return b
}

// WithRoleStore sets the store roles are read from on every request.
func (b *Builder) WithRoleStore(s RoleStore) *Builder {
	b.roles = s
	return b
}

// WithInvitationStore sets the store behind invitation verification and
// consumption.
func (b *Builder) WithInvitationStore(s InvitationStore) *Builder {
	b.invitations = s
	return b
}

// WithArtistStore sets the store used for the duplicate-artist and
// registration-velocity checks.
func (b *Builder) WithArtistStore(s ArtistStore) *Builder {
	b.artists = s
	return b
}

// WithLogger sets the structured logger. Without one the Gateway builds a
// logger from Config.Logging.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink sets where audit records are delivered. Without one they
// are written to the logger.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock injects the time source used by buckets, invitation ages and
// canonical upload names.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithIDGenerator injects the random part of canonical upload names.
func (b *Builder) WithIDGenerator(newID func() string) *Builder {
	b.newID = newID
	return b
}

// Build validates the configuration and collaborators and returns a ready
// Gateway.
func (b *Builder) Build() (*Gateway, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.identity == nil {
		return nil, errors.New("identity provider required")
	}
	if b.roles == nil {
		return nil, errors.New("role store required")
	}
	if (b.invitations == nil) != (b.artists == nil) {
		return nil, errors.New("invitation store and artist store must be supplied together")
	}
	if b.rateStore == nil && cfg.RateLimit.Backend == "redis" && b.redis == nil {
		return nil, errors.New("redis backend requires a redis client")
	}

	logger := b.logger
	if logger == nil {
		l, err := NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	g, err := newGateway(gatewayDeps{
		config:      cfg,
		rateStore:   b.rateStore,
		redis:       b.redis,
		identity:    b.identity,
		roles:       b.roles,
		invitations: b.invitations,
		artists:     b.artists,
		logger:      logger,
		auditSink:   b.auditSink,
		now:         b.now,
		newID:       b.newID,
	})
	if err != nil {
		return nil, err
	}

	b.built = true
	return g, nil
}
