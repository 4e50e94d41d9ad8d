// LLM ensemble service: main entry point.
//
// Configuration comes from the environment (optionally a .env file and
// config.yaml); see pkg/config. The most relevant variables:
//
//	GRPC_PORT             gRPC server port (default: 50051)
//	METRICS_PORT          Prometheus metrics HTTP port (default: 9090)
//	LOG_LEVEL, LOG_FORMAT debug|info|warn|error, json|console
//	REDIS_ENABLED         Share invocation results through Redis (default: false)
//	REDIS_ADDR            Redis address (default: localhost:6379)
//	CACHE_TTL             Redis entry TTL (default: 1h)
//	CACHE_SIZE            In-process memo entries (default: 100)
//	INVOKE_TIMEOUT        Per-invocation timeout, retries included (default: 60s)
//	MAX_RETRIES           Retries on 429/5xx (default: 2)
//	CB_FAILURE_THRESHOLD  Circuit breaker failure threshold (default: 5)
//	CB_COOLDOWN           Circuit breaker cooldown (default: 30s)
//	ENSEMBLE_MODE         committee|router|cascade (default: committee)
//	ENSEMBLE_MODELS       JSON list or provider:model,... pool
//	<PROVIDER>_API_KEY(S) Credentials; a provider without keys is not in the default pool
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/abdhe/llm-ensemble/pkg/cache"
	"github.com/abdhe/llm-ensemble/pkg/config"
	"github.com/abdhe/llm-ensemble/pkg/ensemble"
	"github.com/abdhe/llm-ensemble/pkg/invoker"
	"github.com/abdhe/llm-ensemble/pkg/logger"
	"github.com/abdhe/llm-ensemble/pkg/provider"
	"github.com/abdhe/llm-ensemble/pkg/resilience"
	"github.com/abdhe/llm-ensemble/pkg/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("ensemble service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting LLM ensemble service")

	// -------------------------------------------------------------------------
	// Providers, key pools and circuit breakers
	// -------------------------------------------------------------------------
	backends, err := buildBackends(cfg, log)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Invocation cache
	// -------------------------------------------------------------------------
	memo, err := cache.NewMemo(cfg.Cache.Size)
	if err != nil {
		return err
	}

	invCfg := invoker.Config{
		Backends: backends,
		Memo:     memo,
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   10 * time.Second,
		},
		Timeout:      cfg.Invoke.Timeout,
		SystemPrompt: cfg.Ensemble.SystemPrompt,
	}

	if cfg.Redis.Enabled {
		redisCache := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Cache.TTL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis connection failed, shared cache disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			_ = redisCache.Close()
		} else {
			invCfg.Shared = redisCache
			defer redisCache.Close()
			log.Info("shared cache enabled", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", cfg.Cache.TTL))
		}
		cancel()
	}

	inv, err := invoker.New(invCfg, log)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Ensemble engine
	// -------------------------------------------------------------------------
	engine := ensemble.NewEngine(inv, cfg.EnsembleSettings(), log)
	log.Info("ensemble configured",
		zap.String("mode", string(engine.DefaultMode())),
		zap.String("judge", engine.Judge().Label()),
		zap.Int("default_pool", len(engine.Pool().Defaults())),
		zap.Int("configured_pool", len(engine.Pool().Configured())),
	)

	// -------------------------------------------------------------------------
	// Start gRPC server
	// -------------------------------------------------------------------------
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),  // 4MB
		grpc.MaxSendMsgSize(16*1024*1024), // 16MB
		grpc.UnaryInterceptor(server.UnaryLogger(log)),
	)
	server.New(engine, log).Register(grpcServer)
	reflection.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on gRPC port %s: %w", cfg.GRPCPort, err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start HTTP metrics server
	// -------------------------------------------------------------------------
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("metrics server listening", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
		log.Error("server failed, shutting down", zap.Error(runErr))
	}

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}
	log.Info("metrics server stopped")

	return runErr
}

// buildBackends creates a client, key pool and circuit breaker for every
// supported provider. Providers without keys still get a backend so that
// explicit pools naming them fail with a no_keys diagnostic.
func buildBackends(cfg *config.Config, log *zap.Logger) (map[string]invoker.Backend, error) {
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CB.FailureThreshold,
		Cooldown:         cfg.CB.Cooldown,
	}

	backends := make(map[string]invoker.Backend, len(provider.Names))
	for _, name := range provider.Names {
		pc := cfg.Providers[name]
		p, err := provider.New(name, pc.BaseURL)
		if err != nil {
			return nil, err
		}
		backends[name] = invoker.Backend{
			Provider: p,
			Keys:     resilience.NewKeyPool(pc.APIKeys),
			Breaker:  resilience.NewCircuitBreaker(cbCfg),
		}
		if len(pc.APIKeys) > 0 {
			log.Info("provider configured",
				zap.String("provider", name),
				zap.Int("keys", len(pc.APIKeys)),
				zap.String("model", pc.Model),
			)
		}
	}
	return backends, nil
}
