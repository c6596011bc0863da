// proctord - exam-proctoring integrity engine server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/proctor-engine/internal/api"
	"github.com/ashureev/proctor-engine/internal/config"
	"github.com/ashureev/proctor-engine/internal/detector"
	"github.com/ashureev/proctor-engine/internal/evidence"
	"github.com/ashureev/proctor-engine/internal/identity"
	"github.com/ashureev/proctor-engine/internal/metrics"
	"github.com/ashureev/proctor-engine/internal/middleware"
	"github.com/ashureev/proctor-engine/internal/notify"
	"github.com/ashureev/proctor-engine/internal/session"
	"github.com/ashureev/proctor-engine/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "evidence_backend", cfg.Evidence.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		slog.Error("Failed to load exam profiles", "error", err)
		os.Exit(1)
	}
	slog.Info("Exam profiles loaded", "count", len(profiles))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	sealer, err := evidence.NewSealer([]byte(cfg.Evidence.Secret))
	if err != nil {
		slog.Error("Failed to initialize evidence sealer", "error", err)
		os.Exit(1)
	}
	backend, err := evidence.NewBackend(ctx, evidence.BackendConfig{
		Type:       evidence.BackendType(cfg.Evidence.Backend),
		SQLitePath: cfg.Evidence.SQLitePath,
		S3: evidence.S3Config{
			Bucket:   cfg.Evidence.S3Bucket,
			Region:   cfg.Evidence.S3Region,
			Endpoint: cfg.Evidence.S3Endpoint,
			Prefix:   cfg.Evidence.S3Prefix,
		},
	})
	if err != nil {
		slog.Error("Failed to initialize evidence backend", "error", err)
		os.Exit(1)
	}
	evidenceStore := evidence.NewStore(backend, sealer)
	defer func() {
		if closeErr := evidenceStore.Close(); closeErr != nil {
			slog.Error("Failed to close evidence store", "error", closeErr)
		}
	}()

	// Notification sinks: structured log, websocket subscribers and optionally Redis.
	hub := notify.NewHub()
	sinks := notify.Fanout{notify.LogSink{Logger: logger}, hub}
	healthHandler := api.NewHealthHandler(5*time.Second).
		Add("database", true, repo.Ping).
		Add("evidence", true, evidenceStore.Ping)

	if cfg.Notify.RedisAddr != "" {
		redisClient, err := notify.DialRedis(ctx, cfg.Notify.RedisAddr)
		if err != nil {
			slog.Warn("Redis unavailable, notifications stay local", "error", err)
		} else {
			defer redisClient.Close() //nolint:errcheck // shutdown path
			redisSink, err := notify.NewRedisSink(redisClient, cfg.Notify.RedisChannel, notify.DefaultInboxSize)
			if err != nil {
				slog.Error("Failed to initialize Redis sink", "error", err)
				os.Exit(1)
			}
			sinks = append(sinks, redisSink)
			healthHandler.Add("redis", false, func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			})
			slog.Info("Redis notification sink enabled", "channel", cfg.Notify.RedisChannel)
		}
	}

	dispatcher := notify.NewDispatcher(sinks, cfg.Notify.QueueSize, logger, m)

	opts := session.Options{
		Repo:        repo,
		Evidence:    evidenceStore,
		Notifier:    dispatcher,
		Metrics:     m,
		Logger:      logger,
		LockTimeout: cfg.LockTimeout,
	}

	// Face detection service is optional; without it only client-side detections are accepted.
	if cfg.Detector.Address != "" {
		dcfg := detector.DefaultConfig(cfg.Detector.Address)
		dcfg.RequestTimeout = cfg.Detector.RequestTimeout
		det, err := detector.NewGrpcDetector(dcfg, logger)
		if err != nil {
			slog.Warn("Face detector unavailable, server-side detection disabled", "error", err)
		} else {
			defer det.Close()
			opts.Detector = det
			healthHandler.Add("detector", false, det.Health)
			slog.Info("Face detector connected", "address", cfg.Detector.Address)
		}
	}

	mgr := session.NewManager(opts)
	mgr.StartLockJanitor(ctx, cfg.JanitorInterval)

	limiter := middleware.NewIngestLimiter(cfg.RateLimit.IngestRPS, cfg.RateLimit.IngestBurst)
	limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)

	allowedOrigin := "*"
	if cfg.FrontendURL != "" {
		allowedOrigin = cfg.FrontendURL
	}
	wsHandler := notify.NewWebSocketHandler(hub, func(ctx context.Context, id string) error {
		_, err := mgr.Get(ctx, id)
		return err
	}, allowedOrigin, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware([]byte(cfg.Auth.JWTSecret), cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())

	api.NewHandler(mgr, evidenceStore, profiles, logger).RegisterRoutes(r, limiter.Middleware)

	// WebSocket endpoint.
	r.Get("/ws/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		wsHandler.Serve(w, r, chi.URLParam(r, "id"))
	})

	// WebSocket subscriptions are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Deliver what is already queued before the stores close.
	if err := dispatcher.Close(); err != nil {
		slog.Warn("Notification dispatcher did not drain", "error", err)
	}

	slog.Info("Server stopped successfully")
}
