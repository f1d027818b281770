package daemon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/canvasmarket/gatekeeper"
	"github.com/canvasmarket/gatekeeper/identity"
	"github.com/canvasmarket/gatekeeper/jwt"
	promexport "github.com/canvasmarket/gatekeeper/metrics/export/prometheus"
	"github.com/canvasmarket/gatekeeper/session"
	"github.com/canvasmarket/gatekeeper/store/postgres"
)

// Run serves until ctx is canceled, then shuts the HTTP server down within
// opts.ShutdownTimeout.
func Run(ctx context.Context, opts Options) error {
	cfg := gatekeeper.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := gatekeeper.LoadConfig(opts.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	logger, err := gatekeeper.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	rdb, closeRedis, err := openRedis(opts.RedisAddr, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	dir, closeDir, err := openDirectory(ctx, opts.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	if opts.AdminUserID != "" {
		err := dir.CreateUser(ctx, opts.AdminUserID, opts.AdminEmail, gatekeeper.RoleRecord{IsAdmin: true})
		if err != nil && !isConflict(err) {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	secret := []byte(opts.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		logger.Warn("no jwt secret configured, tokens will not survive a restart")
	}
	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     opts.AccessTTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    secret,
		Issuer:        "gatekeeperd",
		RequireIAT:    true,
		Leeway:        5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	sessions := session.NewStore(rdb, "gk:sess")
	provider, err := identity.NewJWTProvider(tokens, sessions, opts.SessionTTL)
	if err != nil {
		return err
	}

	gw, err := gatekeeper.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityProvider(provider).
		WithRoleStore(dir).
		WithInvitationStore(dir).
		WithArtistStore(dir).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer gw.Close()

	var metrics http.Handler
	if cfg.Metrics.Enabled {
		exp, err := promexport.NewExporter(gw)
		if err != nil {
			return fmt.Errorf("metrics exporter: %w", err)
		}
		exp.Registry().MustRegister(collectors.NewGoCollector())
		metrics = exp.Handler()
	}

	srv, err := NewServer(ServerDeps{
		Gateway:   gw,
		Provider:  provider,
		Sessions:  sessions,
		Directory: dir,
		Metrics:   metrics,
		DevLogin:  opts.DevLogin,
	})
	if err != nil {
		return err
	}
	if opts.DevLogin {
		logger.Warn("dev login enabled, any caller can mint tokens")
	}

	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", opts.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openRedis dials addr, or starts an embedded miniredis when addr is empty.
func openRedis(addr string, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	var mr *miniredis.Miniredis
	if addr == "" {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		addr = mr.Addr()
		logger.Warn("no redis address configured, using embedded miniredis", zap.String("addr", addr))
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	closeFn := func() {
		_ = rdb.Close()
		if mr != nil {
			mr.Close()
		}
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, closeFn, nil
}

// openDirectory migrates and connects to postgres, or falls back to the
// in-memory directory when dsn is empty.
func openDirectory(ctx context.Context, dsn string, logger *zap.Logger) (Directory, func(), error) {
	if dsn == "" {
		logger.Warn("no postgres dsn configured, using in-memory stores")
		return newMemoryDirectory(nil), func() {}, nil
	}
	if err := postgres.Migrate(ctx, dsn, logger); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := postgres.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	return postgres.NewDirectory(db), db.Close, nil
}
