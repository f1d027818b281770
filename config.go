package gatekeeper

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/canvasmarket/gatekeeper/internal/limiters"
	"github.com/canvasmarket/gatekeeper/internal/upload"
)

// Policy names. They are part of the public contract; the numbers behind
// them are deployment configuration.
const (
	PolicyGeneral       = "general"
	PolicyAuth          = "auth"
	PolicyRegistration  = "registration"
	PolicyEmail         = "email"
	PolicyUpload        = "upload"
	PolicyDeleteAccount = "deleteAccount"
)

// EnvPrefix is prepended to every environment override read by LoadConfig.
const EnvPrefix = "GATEKEEPER_"

// Config is the full gateway configuration. Build validates it; LoadConfig
// reads it from YAML and the environment.
type Config struct {
	RateLimit  RateLimitConfig  `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Auth       AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Invitation InvitationConfig `yaml:"invitation" envPrefix:"INVITATION_"`
	Upload     UploadConfig     `yaml:"upload" envPrefix:"UPLOAD_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	Audit      AuditConfig      `yaml:"audit" envPrefix:"AUDIT_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig selects the bucket store and defines the policy table.
type RateLimitConfig struct {
	// Backend is "memory" (per-process buckets) or "redis" (shared).
	Backend     string `yaml:"backend" env:"BACKEND"`
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	// StoreTimeout bounds each bucket increment. A timeout is a store
	// failure and follows the policy's fail mode.
	StoreTimeout  time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// TrustedProxies lists CIDRs or addresses whose X-Forwarded-For is
	// honoured. Empty means RemoteAddr only.
	TrustedProxies []string                `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
	Policies       map[string]PolicyConfig `yaml:"policies" env:"-"`
}

// PolicyConfig is one named limit. KeyStrategy is ip, principal or
// composite; FailMode is open or closed.
type PolicyConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	KeyStrategy string        `yaml:"key"`
	FailMode    string        `yaml:"fail_mode"`
}

/*
====================================
AUTH CONFIG
====================================
*/

type AuthConfig struct {
	// CookieName is read when no Authorization header is present.
	CookieName      string        `yaml:"cookie_name" env:"COOKIE_NAME"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" env:"UPSTREAM_TIMEOUT"`
	Breaker         BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// BreakerConfig guards the identity provider and role store. MaxFailures
// of zero disables the breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" env:"MAX_FAILURES"`
	OpenTimeout time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
}

/*
====================================
INVITATION CONFIG
====================================
*/

// AbuseMode decides what the invitation abuse heuristics do.
const (
	AbuseModeBlock = "block"
	AbuseModeFlag  = "flag"
)

type InvitationConfig struct {
	MaxAge                 time.Duration `yaml:"max_age" env:"MAX_AGE"`
	RegistrationWindow     time.Duration `yaml:"registration_window" env:"REGISTRATION_WINDOW"`
	MaxRecentRegistrations int           `yaml:"max_recent_registrations" env:"MAX_RECENT_REGISTRATIONS"`
	MaxInvitationsPerEmail int           `yaml:"max_invitations_per_email" env:"MAX_INVITATIONS_PER_EMAIL"`
	AbuseMode              string        `yaml:"abuse_mode" env:"ABUSE_MODE"`
	StoreTimeout           time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	ConsumeTimeout         time.Duration `yaml:"consume_timeout" env:"CONSUME_TIMEOUT"`
}

/*
====================================
UPLOAD CONFIG
====================================
*/

type UploadConfig struct {
	MaxProfileBytes int64    `yaml:"max_profile_bytes" env:"MAX_PROFILE_BYTES"`
	MaxArtworkBytes int64    `yaml:"max_artwork_bytes" env:"MAX_ARTWORK_BYTES"`
	MaxDimension    int      `yaml:"max_dimension" env:"MAX_DIMENSION"`
	AllowedMIME     []string `yaml:"allowed_mime" env:"ALLOWED_MIME" envSeparator:","`
	// RejectSuspicious rejects uploads with a hard deep-inspection finding.
	// When false those findings are only recorded.
	RejectSuspicious bool `yaml:"reject_suspicious" env:"REJECT_SUSPICIOUS"`
}

/*
====================================
LOGGING / AUDIT / METRICS CONFIG
====================================
*/

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
}

type AuditConfig struct {
	Enabled    bool `yaml:"enabled" env:"ENABLED"`
	BufferSize int  `yaml:"buffer_size" env:"BUFFER_SIZE"`
	DropIfFull bool `yaml:"drop_if_full" env:"DROP_IF_FULL"`
	// SinkTimeout is the deadline on the context each sink call receives.
	SinkTimeout time.Duration `yaml:"sink_timeout" env:"SINK_TIMEOUT"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled" env:"ENABLED"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms" env:"ENABLE_LATENCY_HISTOGRAMS"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			RedisPrefix:   "gk:rl",
			StoreTimeout:  250 * time.Millisecond,
			SweepInterval: time.Minute,
			Policies:      DefaultPolicies(),
		},
		Auth: AuthConfig{
			CookieName:      "session",
			UpstreamTimeout: 2 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		Invitation: InvitationConfig{
			MaxAge:                 36 * time.Hour,
			RegistrationWindow:     24 * time.Hour,
			MaxRecentRegistrations: 5,
			MaxInvitationsPerEmail: 2,
			AbuseMode:              AbuseModeBlock,
			StoreTimeout:           2 * time.Second,
			ConsumeTimeout:         5 * time.Second,
		},
		Upload: UploadConfig{
			MaxProfileBytes:  2 << 20,
			MaxArtworkBytes:  10 << 20,
			MaxDimension:     8192,
			AllowedMIME:      []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
			RejectSuspicious: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Audit: AuditConfig{
			Enabled:     true,
			BufferSize:  1024,
			DropIfFull:  true,
			SinkTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

// DefaultPolicies returns the six named policies with their default limits.
func DefaultPolicies() map[string]PolicyConfig {
	return map[string]PolicyConfig{
		PolicyGeneral:       {Window: time.Minute, MaxRequests: 300, KeyStrategy: "ip", FailMode: "open"},
		PolicyAuth:          {Window: 15 * time.Minute, MaxRequests: 5, KeyStrategy: "ip", FailMode: "closed"},
		PolicyRegistration:  {Window: time.Hour, MaxRequests: 10, KeyStrategy: "ip", FailMode: "open"},
		PolicyEmail:         {Window: time.Hour, MaxRequests: 5, KeyStrategy: "ip", FailMode: "open"},
		PolicyUpload:        {Window: 10 * time.Minute, MaxRequests: 20, KeyStrategy: "composite", FailMode: "open"},
		PolicyDeleteAccount: {Window: 24 * time.Hour, MaxRequests: 3, KeyStrategy: "principal", FailMode: "closed"},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.RateLimit.TrustedProxies = append([]string(nil), cfg.RateLimit.TrustedProxies...)
	out.RateLimit.Policies = make(map[string]PolicyConfig, len(cfg.RateLimit.Policies))
	for name, p := range cfg.RateLimit.Policies {
		out.RateLimit.Policies[name] = p
	}
	out.Upload.AllowedMIME = append([]string(nil), cfg.Upload.AllowedMIME...)
	return out
}

/*
====================================
LOADING
====================================
*/

// LoadConfig starts from DefaultConfig, overlays the YAML file at path (if
// path is non-empty) and then GATEKEEPER_* environment variables. The result
// is validated.
//
// A policy listed in YAML replaces the default entry of the same name as a
// whole; unlisted policies keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Rate limit
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return errors.New("RateLimit Backend must be 'memory' or 'redis'")
	}
	if c.RateLimit.Backend == "redis" && strings.TrimSpace(c.RateLimit.RedisPrefix) == "" {
		return errors.New("RateLimit RedisPrefix must be set for the redis backend")
	}
	if c.RateLimit.StoreTimeout < 0 {
		return errors.New("RateLimit StoreTimeout must be >= 0")
	}
	if c.RateLimit.SweepInterval < 0 {
		return errors.New("RateLimit SweepInterval must be >= 0")
	}
	if _, err := newClientIPExtractor(c.RateLimit.TrustedProxies); err != nil {
		return fmt.Errorf("RateLimit TrustedProxies: %w", err)
	}
	for _, name := range requiredPolicies {
		if _, ok := c.RateLimit.Policies[name]; !ok {
			return fmt.Errorf("RateLimit policy %q must be configured", name)
		}
	}
	if _, err := c.limiterPolicies(); err != nil {
		return err
	}

	// Auth
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return errors.New("Auth CookieName must be set")
	}
	if c.Auth.UpstreamTimeout <= 0 {
		return errors.New("Auth UpstreamTimeout must be > 0")
	}
	if c.Auth.Breaker.MaxFailures > 0 && c.Auth.Breaker.OpenTimeout <= 0 {
		return errors.New("Auth Breaker OpenTimeout must be > 0 when MaxFailures is set")
	}

	// Invitation
	if c.Invitation.MaxAge <= 0 {
		return errors.New("Invitation MaxAge must be > 0")
	}
	if c.Invitation.RegistrationWindow <= 0 {
		return errors.New("Invitation RegistrationWindow must be > 0")
	}
	if c.Invitation.MaxRecentRegistrations < 0 || c.Invitation.MaxInvitationsPerEmail < 0 {
		return errors.New("Invitation abuse thresholds must be >= 0")
	}
	if c.Invitation.AbuseMode != AbuseModeBlock && c.Invitation.AbuseMode != AbuseModeFlag {
		return errors.New("Invitation AbuseMode must be 'block' or 'flag'")
	}
	if c.Invitation.StoreTimeout <= 0 || c.Invitation.ConsumeTimeout <= 0 {
		return errors.New("Invitation StoreTimeout and ConsumeTimeout must be > 0")
	}

	// Upload
	if c.Upload.MaxProfileBytes <= 0 || c.Upload.MaxArtworkBytes <= 0 {
		return errors.New("Upload size ceilings must be > 0")
	}
	if c.Upload.MaxProfileBytes > c.Upload.MaxArtworkBytes {
		return errors.New("Upload MaxProfileBytes must be <= MaxArtworkBytes")
	}
	if c.Upload.MaxDimension < 0 {
		return errors.New("Upload MaxDimension must be >= 0")
	}
	if _, err := c.allowedMIME(); err != nil {
		return err
	}

	// Logging
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return errors.New("Logging Format must be 'json' or 'console'")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	if c.Audit.SinkTimeout < 0 {
		return errors.New("Audit SinkTimeout must be >= 0")
	}

	return nil
}

var requiredPolicies = []string{
	PolicyGeneral,
	PolicyAuth,
	PolicyRegistration,
	PolicyEmail,
	PolicyUpload,
	PolicyDeleteAccount,
}

func (c *Config) limiterPolicies() ([]limiters.Policy, error) {
	out := make([]limiters.Policy, 0, len(c.RateLimit.Policies))
	for name, p := range c.RateLimit.Policies {
		lp := limiters.Policy{
			Name:        name,
			Window:      p.Window,
			MaxRequests: p.MaxRequests,
			KeyStrategy: limiters.KeyStrategy(strings.ToLower(p.KeyStrategy)),
			FailMode:    limiters.FailMode(strings.ToLower(p.FailMode)),
		}
		if err := limiters.ValidatePolicy(lp); err != nil {
			return nil, fmt.Errorf("RateLimit policy %q: %w", name, err)
		}
		out = append(out, lp)
	}
	return out, nil
}

// allowedMIME maps the configured types to canonical extensions. Only types
// the sniffer can verify are accepted.
func (c *Config) allowedMIME() (map[string]string, error) {
	if len(c.Upload.AllowedMIME) == 0 {
		return nil, errors.New("Upload AllowedMIME must not be empty")
	}
	out := make(map[string]string, len(c.Upload.AllowedMIME))
	for _, m := range c.Upload.AllowedMIME {
		m = upload.NormalizeMIME(m)
		ext, ok := upload.DefaultAllowed[m]
		if !ok {
			return nil, fmt.Errorf("Upload AllowedMIME: unsupported type %q", m)
		}
		out[m] = ext
	}
	return out, nil
}
