package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/quotad/quotad/internal/analytics"
	"github.com/quotad/quotad/internal/api"
	"github.com/quotad/quotad/internal/audit"
	"github.com/quotad/quotad/internal/auth"
	"github.com/quotad/quotad/internal/config"
	"github.com/quotad/quotad/internal/health"
	"github.com/quotad/quotad/internal/obs"
	"github.com/quotad/quotad/internal/privacy"
	"github.com/quotad/quotad/internal/ratelimit"
	"github.com/quotad/quotad/internal/ratelimit/memory"
	redisstore "github.com/quotad/quotad/internal/ratelimit/redis"
)

const version = "1.0.0"

func main() {

	cfg, err := config.Load("./config.yaml")

	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("version", version).Msg("starting quotad")

	// counter store
	var store ratelimit.Store
	var redisClient goredis.UniversalClient
	switch cfg.Store.Backend {
	case "redis":
		opts, err := goredis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = goredis.NewClient(opts)
		store = redisstore.New(redisClient, redisstore.Options{Prefix: cfg.Store.KeyPrefix})
	case "memory":
		store = memory.New()
	default:
		log.Fatalf("unknown store backend %q", cfg.Store.Backend)
	}

	engine := ratelimit.NewEngine(store)
	priv := privacy.NewManager(store, logger)
	checker := health.NewChecker(store, version)

	var recorder *analytics.Recorder
	if cfg.Analytics.Enabled && redisClient != nil {
		recorder = analytics.NewRecorder(redisClient, cfg.Store.KeyPrefix, logger)
	}

	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		signer, err := audit.NewSigner(cfg.Audit.SigningKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("audit signing key unusable")
		}
		auditLog = audit.NewLogger(store, signer, logger)
	}

	// fail fast when the store is down
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := checker.ValidateStartup(startupCtx); err != nil {
		cancelStartup()
		logger.Fatal().Err(err).Msg("startup validation failed")
	}
	cancelStartup()
	logger.Info().Str("backend", cfg.Store.Backend).Msg("counter store ready")

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = k.ID
		}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, pairs, logger)
	onAuthReject := func(r *http.Request, fingerprint string) {
		auditLog.Record(r.Context(), audit.Event{
			Type:     audit.TypeAuthentication,
			Actor:    fingerprint,
			Action:   "auth.reject",
			Resource: r.URL.Path,
			Outcome:  audit.OutcomeFailure,
		})
	}

	skip := map[string]struct{}{
		"/health":                        {},
		cfg.Observability.PrometheusPath: {},
	}

	srvAPI := api.NewServer(engine, priv, recorder, auditLog, checker, metrics, logger)
	mux := srvAPI.Routes()
	mux.Handle("GET "+cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	handler := api.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		api.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip, onAuthReject),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := engine.Close(); err != nil {
		logger.Error().Err(err).Msg("store close failed")
	}
	logger.Info().Msg("bye")
}
