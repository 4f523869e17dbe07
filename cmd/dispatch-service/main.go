// Command dispatch-service runs the cross-service reliability and
// dispatch substrate as a standalone process: the ops surface (health,
// readiness, metrics, admin endpoints) plus the webhook
// and dispatch entry points the substrate exists to serve. Persistence
// beyond the shared Redis-backed ephemeral store is in-memory here - the
// relational store is an external collaborator,
// so this binary stands in with the module's own Memory* repositories.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/avtoelon/dispatch-core/core"
	"github.com/avtoelon/dispatch-core/pkg/breaker"
	"github.com/avtoelon/dispatch-core/pkg/config"
	"github.com/avtoelon/dispatch-core/pkg/credentials"
	"github.com/avtoelon/dispatch-core/pkg/discovery"
	"github.com/avtoelon/dispatch-core/pkg/dispatcher"
	"github.com/avtoelon/dispatch-core/pkg/fallback"
	"github.com/avtoelon/dispatch-core/pkg/ratelimit"
	"github.com/avtoelon/dispatch-core/pkg/reqnum"
	"github.com/avtoelon/dispatch-core/pkg/reqstate"
	"github.com/avtoelon/dispatch-core/pkg/servicemode"
	"github.com/avtoelon/dispatch-core/pkg/webhook"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatch-service:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	devMode := os.Getenv(core.EnvDevMode) == "true" || os.Getenv(core.EnvDevMode) == "1"

	logger := core.NewProductionLogger(core.LoggerOptions{ServiceName: "dispatch-service"})
	telemetry := newTelemetry(devMode)
	if shutdowner, ok := telemetry.(interface{ Shutdown(context.Context) error }); ok {
		defer func() { _ = shutdowner.Shutdown(context.Background()) }()
	}

	redisURL := os.Getenv(core.EnvRedisURL)
	var rawRedis *goredis.Client
	if redisURL != "" {
		rawRedis, err = core.OpenRedisDB(redisURL, core.RedisDBBase, logger)
		if err != nil {
			logger.Warn("redis unreachable at startup, falling back to in-memory stores", map[string]interface{}{"error": err.Error()})
			rawRedis = nil
		}
	} else {
		logger.Warn("no REDIS_URL configured, running with in-memory stores (dev mode only)", nil)
	}

	breakers := breaker.NewRegistry(func(name string) breaker.Config {
		return cfg.ToBreakerConfig(name, logger, telemetry)
	})

	credStore := buildCredentialStore(cfg, rawRedis, logger, telemetry)
	limiter := buildRateLimiter(rawRedis, telemetry)
	fallbackManager := buildFallbackManager(cfg, breakers, rawRedis, logger, telemetry)
	serviceMode := servicemode.New(logger, telemetry)
	if mode, err := cfg.ToServiceModeMode(); err == nil {
		serviceMode.Transition(mode, "startup", "system")
	}

	var allocator *reqnum.Allocator
	if rawRedis != nil {
		allocator = reqnum.New(core.CloneOnDB(rawRedis, core.RedisDBAllocator), reqnum.Options{})
	}

	stateRepo := reqstate.NewMemoryRepository()
	stateMachine := reqstate.New(stateRepo, reqstate.Options{Logger: logger})

	directory := buildDirectory(limiter, fallbackManager)
	writer := dispatcher.NewMemoryAssignmentWriter()
	dispatchCfg := dispatcher.DefaultConfig()
	disp := dispatcher.NewDispatcher(dispatchCfg, directory, dispatcher.NewRuleBasedPredictor(), fallbackManager, serviceMode, writer, logger, telemetry)

	webhookSecret := requireOrGenerateSecret(os.Getenv("DISPATCH_WEBHOOK_SECRET"), logger, "DISPATCH_WEBHOOK_SECRET")
	ingestor := webhook.New(map[string]webhook.SourceConfig{
		"telegram-bot": {Secret: []byte(webhookSecret), SignatureHeader: "X-Signature", ExternalIDField: "update_id", MaxRetries: cfg.Webhook.DefaultMaxRetries},
	}, webhook.NewMemoryRepository(), webhook.Options{Logger: logger, Telemetry: telemetry})
	ingestor.RegisterHandler("telegram-bot", "", func(ctx context.Context, e *webhook.Event) ([]byte, error) {
		logger.InfoWithContext(ctx, "webhook event processed", map[string]interface{}{"source": e.Source, "external_id": e.ExternalEventID})
		return []byte(`{"ok":true}`), nil
	})
	retryWorker := webhook.NewRetryWorker(ingestor, cfg.Webhook.RetryPollInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := retryWorker.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("retry worker stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	srv := &deps{
		logger:       logger,
		telemetry:    telemetry,
		credStore:    credStore,
		breakers:     breakers,
		serviceMode:  serviceMode,
		allocator:    allocator,
		stateMachine: stateMachine,
		stateRepo:    stateRepo,
		dispatcher:   disp,
		ingestor:     ingestor,
		limiter:      limiter,
		rateLimit:    cfg.RateLimit,
		redis:        rawRedis,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	var handler http.Handler = mux
	handler = core.LoggingMiddleware(logger, devMode)(handler)
	handler = core.RecoverMiddleware(logger)(handler)
	handler = core.RequestIDMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "dispatch-service")

	port := os.Getenv(core.EnvPort)
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch-service listening", map[string]interface{}{"port": port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newTelemetry(devMode bool) core.Telemetry {
	t, err := core.NewOTelTelemetry(context.Background(), core.OTelOptions{
		ServiceName: "dispatch-service",
		DevMode:     true, // stdout exporter: no collector dependency for a standalone binary
	})
	if err != nil {
		return &core.NoOpTelemetry{}
	}
	return t
}

func buildCredentialStore(cfg *config.Config, rawRedis *goredis.Client, logger core.Logger, telemetry core.Telemetry) *credentials.Store {
	var cache credentials.RevocationCache
	if rawRedis != nil {
		cache = credentials.NewRedisRevocationCache(core.CloneOnDB(rawRedis, core.RedisDBCredentials), "dispatch")
	} else {
		cache = credentials.NewMemoryRevocationCache()
	}
	secret := requireOrGenerateSecret(cfg.Credential.Secret, logger, "DISPATCH_CREDENTIAL_SECRET")
	return credentials.New(credentials.NewMemoryRepository(), cache, []byte(secret), cfg.ToCredentialOptions(core.RealClock{}, logger, telemetry))
}

func buildRateLimiter(rawRedis *goredis.Client, telemetry core.Telemetry) ratelimit.Limiter {
	if rawRedis != nil {
		return ratelimit.NewRedisLimiter(core.CloneOnDB(rawRedis, core.RedisDBRateLimiting), ratelimit.RedisLimiterOptions{})
	}
	return ratelimit.NewMemoryLimiter(telemetry)
}

func buildFallbackManager(cfg *config.Config, breakers *breaker.Registry, rawRedis *goredis.Client, logger core.Logger, telemetry core.Telemetry) *fallback.Manager {
	var cache fallback.CacheStore
	if rawRedis != nil {
		cache = fallback.NewRedisCache(core.CloneOnDB(rawRedis, core.RedisDBFallbackCache), "dispatch")
	}
	opts := cfg.ToFallbackOptions(func(op string) fallback.Breaker {
		return breakers.GetOrCreate(op)
	}, nil, cache, logger, telemetry)
	return fallback.New(opts)
}

func buildDirectory(limiter ratelimit.Limiter, fallbackManager *fallback.Manager) discovery.Directory {
	mock := discovery.NewMockDirectory()
	mock.Put(discovery.ExecutorSnapshot{ID: "exec-1", Specializations: []string{"plumbing"}, HomeDistrict: "Chilanzar", Workload: 2, Capacity: 6, Efficiency: 80, Rating: 4.5, Available: true, Approved: true})
	mock.Put(discovery.ExecutorSnapshot{ID: "exec-2", Specializations: []string{"general"}, HomeDistrict: "Yunusabad", Workload: 1, Capacity: 5, Efficiency: 70, Rating: 4.0, Available: true, Approved: true})
	adapter := ratelimit.SimpleAdapter{Limiter: limiter}
	return discovery.NewResilientDirectory(mock, adapter, fallbackManager, "discovery:default", 50, time.Minute)
}

// requireOrGenerateSecret reads a secret from the environment, or
// generates an ephemeral one with a loud warning - acceptable for a
// single-process dev run, never for a real deployment.
func requireOrGenerateSecret(configured string, logger core.Logger, envName string) string {
	if configured != "" {
		return configured
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logger.Error("failed to generate ephemeral secret", map[string]interface{}{"env": envName, "error": err.Error()})
		return "insecure-dev-secret-change-me"
	}
	secret := hex.EncodeToString(buf)
	logger.Warn("no secret configured, generated an ephemeral one for this process only", map[string]interface{}{"env": envName})
	return secret
}
