package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/internal/backend"
	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/internal/content"
	"github.com/pitabwire/postcraft/internal/ideation"
	"github.com/pitabwire/postcraft/internal/imagegen"
	"github.com/pitabwire/postcraft/internal/linkedin"
	"github.com/pitabwire/postcraft/internal/migrations"
	"github.com/pitabwire/postcraft/internal/observability"
	"github.com/pitabwire/postcraft/internal/profile"
	"github.com/pitabwire/postcraft/internal/publish"
	"github.com/pitabwire/postcraft/internal/schedule"
	"github.com/pitabwire/postcraft/internal/transport"
	"github.com/pitabwire/postcraft/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "postcraft", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)
	readiness := observability.ReadinessChecks{}

	// Storage.
	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
		readiness["database"] = observability.CheckFunc(pool.Ping)
		if cfg.Database.AutoMigrate {
			if err := migrations.Up(pool); err != nil {
				return fmt.Errorf("database: migrate: %w", err)
			}
			logger.Info("database migrated")
		}
	} else {
		logger.Warn("database not configured, using in-memory stores", zap.String("dsn_env", cfg.Database.DSNEnv))
	}

	rdb := openRedis(cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
		readiness["redis"] = observability.CheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	wfStore, err := buildWorkflowStore(cfg.Workflow, pool, rdb, logger)
	if err != nil {
		return err
	}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		readiness["workflow_store"] = hc
	}

	var (
		profileStore  profile.Store       = profile.NewMemoryStore()
		contentStore  content.Store       = content.NewMemoryStore()
		scheduleStore schedule.Store      = schedule.NewMemoryStore()
		tokenStore    linkedin.TokenStore = linkedin.NewMemoryTokenStore()
	)
	if pool != nil {
		profileStore = profile.NewPgStore(pool)
		contentStore = content.NewPgStore(pool)
		scheduleStore = schedule.NewPgStore(pool)
		tokenStore = linkedin.NewPgTokenStore(pool)
	}

	var idem publish.IdempotencyStore = publish.NewMemoryIdempotencyStore()
	if cfg.Publish.IdempotencyStore == "redis" {
		if rdb == nil {
			return fmt.Errorf("publish: idempotency_store is redis but %s is not set", cfg.Redis.AddrEnv)
		}
		idem = publish.NewRedisIdempotencyStore(rdb)
	}

	// Services.
	sessions := workflow.NewSessions(wfStore, cfg.Workflow.SessionIdleTTL, workflow.Options{
		PersistTimeout: cfg.Workflow.PersistTimeout,
		Logger:         logger,
		Recorder:       metrics,
	})
	profiles := profile.NewService(profileStore, cfg.Profile.ReadTimeout, logger, metrics)
	contents := content.NewService(contentStore, logger)
	schedules := schedule.NewService(scheduleStore, logger)

	ideationAPI := backend.New("ideation", cfg.Ideation.Service, backend.WithRecorder(metrics))
	ideationClient := ideation.NewClient(ideationAPI, cfg.Ideation)
	awaiter := ideation.NewAwaiter(ideationClient, cfg.Ideation,
		ideation.WithLogger(logger), ideation.WithRecorder(metrics))
	ideas := ideation.NewService(ideationClient, awaiter, ideation.NewTracker(), logger, metrics)

	linkedinAPI := backend.New("linkedin", cfg.LinkedIn.Service, backend.WithRecorder(metrics))
	oauth := linkedin.NewOAuth(cfg.LinkedIn, tokenStore, linkedin.OAuthOptions{
		HTTPClient: &http.Client{
			Timeout:   cfg.LinkedIn.Service.Timeout,
			Transport: observability.NewHTTPTransport(nil),
		},
		Logger:   logger,
		Recorder: metrics,
	})
	linkedinClient := linkedin.NewClient(linkedinAPI, oauth)

	publisher := publish.NewService(linkedinClient, contents, schedules, sessions, publish.Options{
		Idempotency:    idem,
		IdempotencyTTL: cfg.Publish.IdempotencyTTL,
		Logger:         logger,
		Recorder:       metrics,
	})
	dispatcher := publish.NewDispatcher(scheduleStore, publisher, logger)

	// Authentication.
	var jwks *transport.JWKSClient
	if cfg.Identity.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
		readiness["jwks"] = jwks
	}
	var secret []byte
	if s := config.Env(cfg.Identity.JWTSecretEnv); s != "" {
		secret = []byte(s)
	}
	verifier, err := transport.NewVerifier(cfg.Identity, jwks, secret)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(verifier),
		Metrics:      metrics,
		Readiness:    readiness,
		Sessions:     sessions,
		Profiles:     profiles,
		Contents:     contents,
		Schedules:    schedules,
		Publisher:    publisher,
		Ideation:     ideas,
		Images:       imagegen.NewMock(imagegen.DefaultPlaceholderBase),
		OAuth:        oauth,
		LinkedIn:     linkedinClient,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go sessions.RunSweeper(bgCtx, cfg.Workflow.SweepInterval)
	go dispatcher.Run(bgCtx, cfg.Publish.DispatchInterval)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("workflow_store", cfg.Workflow.Store),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()
	ideas.Shutdown()

	// Pending workflow writes are flushed before the stores close.
	if err := sessions.CloseAll(shutdownCtx); err != nil {
		logger.Error("workflow flush error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// openPool connects to Postgres. It returns a nil pool when the DSN
// variable is unset.
func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := config.Env(cfg.DSNEnv)
	if dsn == "" {
		return nil, nil
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return pool, nil
}

// openRedis returns nil when no address is configured.
func openRedis(cfg config.RedisConfig) *redis.Client {
	addr := config.Env(cfg.AddrEnv)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.Env(cfg.PasswordEnv),
		DB:       cfg.DB,
	})
}

func buildWorkflowStore(cfg config.WorkflowConfig, pool *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger) (workflow.StateStore, error) {
	switch cfg.Store {
	case "memory":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStateStore(), nil
	case "postgres", "":
		if pool == nil {
			logger.Warn("workflow store DSN not configured, using in-memory store")
			return workflow.NewMemoryStateStore(), nil
		}
		return workflow.NewPgStateStore(pool), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("workflow store: redis address not configured")
		}
		return workflow.NewRedisStateStore(rdb, workflow.WithTTL(cfg.RedisTTL)), nil
	default:
		return nil, fmt.Errorf("unsupported workflow store: %q", cfg.Store)
	}
}
