package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"machine-auth/internal/auth"
	"machine-auth/internal/config"
	"machine-auth/internal/db"
	"machine-auth/internal/maintenance"
	"machine-auth/internal/observability"
	"machine-auth/internal/response"
	boltstore "machine-auth/internal/store/bolt"
	"machine-auth/internal/store/memory"
	"machine-auth/internal/store/postgres"
	"machine-auth/internal/store/redisstore"
)

const startupTimeout = 15 * time.Second

type Options struct {
	LoadDotEnv bool
	// Config skips environment loading when set.
	Config *config.Config
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Close   func() error
}

type stores struct {
	clients     auth.ClientStore
	provisioner auth.ClientProvisioner
	refresh     auth.RefreshTokenStore
	revocations auth.RevocationStore
	attempts    auth.LoginAttemptStore
	limiter     *auth.LoginRateLimiter
	ping        func(ctx context.Context) error
	closers     []func() error
}

func (s *stores) close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func Build(options Options) (*Runtime, error) {
	cfg := options.Config
	if cfg == nil {
		loaded, err := config.Load(options.LoadDotEnv)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := observability.NewLogger(cfg.IsProduction(), cfg.LogLevel)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err})
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	backends, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := auth.BootstrapClient(ctx, backends.provisioner, cfg.BootstrapClientID, cfg.BootstrapClientSecret, cfg.BootstrapClientScopes)
	if err != nil {
		_ = backends.close()
		return nil, fmt.Errorf("bootstrap client: %w", err)
	}
	if client != nil {
		logger.Info("bootstrap_client_ready", map[string]any{"client_id": client.ClientID, "scopes": auth.JoinScopes(client.AllowedScopes)})
	}

	signer := auth.NewSigner([]byte(cfg.JWTSecret))
	issuer := auth.NewTokenIssuer(signer, backends.refresh).WithTTLs(cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	service := auth.NewService(auth.Stores{
		Clients:       backends.clients,
		RefreshTokens: backends.refresh,
		Revocations:   backends.revocations,
		LoginAttempts: backends.attempts,
	}, signer, issuer).
		WithExpectedAudience(cfg.ExpectedAudience).
		WithLockout(cfg.LoginMaxAttempts, cfg.LoginLockDuration).
		WithLogger(logger)
	authHandler := auth.NewHandler(service, logger)
	cleanupHandler := maintenance.NewCleanupHandler(
		backends.refresh,
		backends.revocations,
		logger,
		cfg.CronSecret,
		cfg.RefreshTokenRetention,
		cfg.CleanupBatchSize,
	).WithLoginAttempts(backends.attempts, cfg.LoginAttemptRetention)
	loginLimiter := backends.limiter.WithLogger(logger).WithTrustedProxyHops(cfg.TrustedProxyHops)

	requireToken := func(h http.Handler) http.Handler {
		return auth.RequireAccessToken(signer, backends.revocations, h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.Handle("POST /auth/logout", requireToken(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("GET /auth/token", requireToken(http.HandlerFunc(authHandler.TokenInfo)))
	mux.Handle("POST /auth/maintenance/cleanup", requireToken(auth.RequireScope(cfg.MaintenanceScope, http.HandlerFunc(cleanupHandler.HandleAuthorized))))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(backends.ping))
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", observability.MetricsHandler())
	}

	handler := observability.RequestIDMiddleware(
		observability.RecoverMiddleware(logger,
			observability.RequestLoggingMiddleware(logger, mux)))

	logger.Info("app_ready", map[string]any{
		"store_driver": cfg.StoreDriver,
		"redis":        cfg.RedisURL != "",
		"environment":  cfg.Environment,
	})

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			err := backends.close()
			_ = logger.Sync()
			return err
		},
	}, nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*stores, error) {
	s := &stores{
		ping: func(context.Context) error { return nil },
	}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		database, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, database.Close)
		s.ping = database.PingContext

		if cfg.RunMigrations {
			if err := db.RunMigrations(ctx, database); err != nil {
				_ = s.close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			logger.Info("migrations_applied", nil)
		}

		store := postgres.New(database)
		s.clients, s.provisioner, s.refresh, s.revocations, s.attempts = store, store, store, store, store

	case config.DriverBolt:
		store, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.clients, s.provisioner, s.refresh, s.revocations, s.attempts = store, store, store, store, store

	case config.DriverMemory:
		if cfg.IsProduction() {
			logger.Error("memory_store_in_production", map[string]any{"detail": "state is lost on restart"})
		} else {
			logger.Warn("memory_store_in_use", map[string]any{"detail": "state is lost on restart"})
		}
		store := memory.New()
		s.clients, s.provisioner, s.refresh, s.revocations, s.attempts = store, store, store, store, store

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	s.limiter = auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)

	if cfg.RedisURL != "" {
		client, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			_ = s.close()
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		s.revocations = redisstore.NewRevocationStore(client)
		s.limiter = auth.NewRedisLoginRateLimiter(client, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	}

	return s, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

type healthStatus struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		now := time.Now().UTC().Format(time.RFC3339)
		if err := ping(ctx); err != nil {
			response.JSON(w, r, http.StatusServiceUnavailable, healthStatus{Status: "degraded", Time: now})
			return
		}
		response.JSON(w, r, http.StatusOK, healthStatus{Status: "ok", Time: now})
	}
}
