package daemon

import (
	"errors"
	"flag"
	"time"

	"github.com/caarlos0/env/v11"
)

// Options configures the demo daemon. Environment variables prefixed
// GATEKEEPERD_ seed the values; flags override them.
type Options struct {
	Addr        string        `env:"ADDR" envDefault:":8080"`
	ConfigPath  string        `env:"CONFIG"`
	PostgresDSN string        `env:"POSTGRES_DSN"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	JWTSecret   string        `env:"JWT_SECRET"`
	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	AccessTTL   time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	AdminUserID string        `env:"ADMIN_USER_ID"`
	AdminEmail  string        `env:"ADMIN_EMAIL"`
	// DevLogin enables POST /api/sessions, which issues a token for any
	// user id without a password. Never enable it outside local testing.
	DevLogin        bool          `env:"DEV_LOGIN"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// ParseOptions reads environment defaults through lookup and then parses
// args into fs.
func ParseOptions(fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) (Options, error) {
	var opts Options
	environ := map[string]string{}
	for _, key := range envKeys() {
		if v, ok := lookup(key); ok {
			environ[key] = v
		}
	}
	if err := env.ParseWithOptions(&opts, env.Options{Prefix: "GATEKEEPERD_", Environment: environ}); err != nil {
		return Options{}, err
	}

	fs.StringVar(&opts.Addr, "addr", opts.Addr, "HTTP listen address")
	fs.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "gateway YAML config; defaults when empty")
	fs.StringVar(&opts.PostgresDSN, "postgres-dsn", opts.PostgresDSN, "postgres DSN; in-memory stores when empty")
	fs.StringVar(&opts.RedisAddr, "redis-addr", opts.RedisAddr, "redis address; embedded miniredis when empty")
	fs.StringVar(&opts.JWTSecret, "jwt-secret", opts.JWTSecret, "HS256 secret (>= 32 bytes); random when empty")
	fs.DurationVar(&opts.SessionTTL, "session-ttl", opts.SessionTTL, "session lifetime")
	fs.DurationVar(&opts.AccessTTL, "access-ttl", opts.AccessTTL, "access token lifetime")
	fs.StringVar(&opts.AdminUserID, "admin-user-id", opts.AdminUserID, "seed an admin user with this id")
	fs.StringVar(&opts.AdminEmail, "admin-email", opts.AdminEmail, "email of the seeded admin")
	fs.BoolVar(&opts.DevLogin, "dev-login", opts.DevLogin, "enable password-less POST /api/sessions")
	fs.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", opts.ShutdownTimeout, "graceful shutdown bound")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	if opts.SessionTTL <= 0 || opts.AccessTTL <= 0 {
		return Options{}, errors.New("session and access TTL must be > 0")
	}
	if opts.JWTSecret != "" && len(opts.JWTSecret) < 32 {
		return Options{}, errors.New("jwt secret must be at least 32 bytes")
	}
	return opts, nil
}

func envKeys() []string {
	return []string{
		"GATEKEEPERD_ADDR",
		"GATEKEEPERD_CONFIG",
		"GATEKEEPERD_POSTGRES_DSN",
		"GATEKEEPERD_REDIS_ADDR",
		"GATEKEEPERD_JWT_SECRET",
		"GATEKEEPERD_SESSION_TTL",
		"GATEKEEPERD_ACCESS_TTL",
		"GATEKEEPERD_ADMIN_USER_ID",
		"GATEKEEPERD_ADMIN_EMAIL",
		"GATEKEEPERD_DEV_LOGIN",
		"GATEKEEPERD_SHUTDOWN_TIMEOUT",
	}
}
