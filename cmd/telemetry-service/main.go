package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"telemetry-service/internal/auth"
	"telemetry-service/internal/config"
	"telemetry-service/internal/cursor"
	"telemetry-service/internal/httpapi"
	"telemetry-service/internal/ingest"
	"telemetry-service/internal/observability"
	"telemetry-service/internal/ratelimit"
	"telemetry-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.CursorSecret) == "" {
		slog.Error("missing required config", "key", "cursor_secret")
		os.Exit(1)
	}
	for k, v := range map[string]string{
		"POSTGRES_USER": cfg.Postgres.User,
		"POSTGRES_DB":   cfg.Postgres.DBName,
		"POSTGRES_HOST": cfg.Postgres.Host,
		"POSTGRES_PORT": cfg.Postgres.Port,
	} {
		if strings.TrimSpace(v) == "" {
			slog.Error("missing required env", "key", k)
			os.Exit(1)
		}
	}

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := setupAddressLimiter(ctx, cfg)

	verifier := auth.NewSignatureVerifier(time.Duration(cfg.SignatureToleranceSeconds) * time.Second)
	windows := ratelimit.NewDeviceWindow(repo, cfg.DeviceLimitPerMinute, cfg.FailureLimitPerMinute)
	ing := ingest.New(repo, verifier, windows, time.Duration(cfg.DedupWindowSeconds)*time.Second)
	codec := cursor.New(cfg.CursorSecret)

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pubKey, err = httpapi.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			slog.Error("failed to load JWT public key", "path", cfg.JWTPublicKeyPath, "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no JWT public key configured: read endpoints will reject all callers")
	}

	srv := httpapi.NewServer(repo, ing, codec, limiter, cfg.AllowedOrigins, int64(cfg.CarryCeilingMinutes)*60_000)

	router := chi.NewRouter()
	router.Use(observability.Middleware(observability.Tracer()))
	router.Handle("/metrics", observability.Handler())
	router.Mount("/", srv.Routes(pubKey))

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("telemetry-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

// setupAddressLimiter prefers the shared Redis bucket; a missing or
// unreachable Redis degrades to the per-instance memory limiter, never to
// admitting or rejecting all traffic.
func setupAddressLimiter(ctx context.Context, cfg *config.Config) ratelimit.AddressLimiter {
	limitCfg := ratelimit.Config{
		CapacityPerMinute: cfg.AddressLimitPerMinute,
		BlockFor:          time.Duration(cfg.BlockSeconds) * time.Second,
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if pong, err := client.Ping(ctx).Result(); err != nil {
			slog.Warn("redis unreachable, falling back to in-memory rate limiting", "error", err)
		} else {
			slog.Info("connected to redis", "pong", pong)
			return ratelimit.NewRedisLimiter(client, "ratelimit", limitCfg)
		}
	} else {
		slog.Warn("no redis configured: rate limits are per-instance only")
	}
	mem := ratelimit.NewMemoryLimiter(limitCfg)
	mem.StartSweeper(ctx, time.Minute)
	return mem
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	if os.Getenv("LOG_FORMAT") == "json" {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(h))
}
