package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	limiterhttp "github.com/elf-platform/accessrl/internal/adapter/inbound/http"
	celadapter "github.com/elf-platform/accessrl/internal/adapter/outbound/cel"
	"github.com/elf-platform/accessrl/internal/adapter/outbound/redisstore"
	"github.com/elf-platform/accessrl/internal/config"
	"github.com/elf-platform/accessrl/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rate limiting proxy",
	Long: `Start the accessrl proxy server.

Requests are rate limited against the shared Redis store and then
forwarded to the configured upstream. Denied requests receive a 429
with Retry-After before ever reaching the upstream.

Endpoints served alongside the proxy:
  /healthz    liveness and store connectivity
  /metrics    Prometheus metrics

Examples:
  # Start with config file settings
  accessrl serve

  # Start with a specific config file
  accessrl --config /path/to/accessrl.yaml serve

Reload policies without a restart by sending SIGHUP.`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, trace export to stdout)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load without validation first so the --dev flag can override.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Server.Upstream == "" {
		return errors.New("server.upstream is required by serve")
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	return run(ctx, cfg, logger)
}

// run wires all components together and serves until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Trace export to stdout in dev mode only; production deployments
	// plug their own provider through the global otel registration.
	if cfg.DevMode {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	upstreamURL, err := url.Parse(cfg.Server.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	sink := limiterhttp.NewMetrics(registry)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = client.Close() }()

	store := redisstore.New(client,
		redisstore.WithTimeout(cfg.Redis.Timeout),
		redisstore.WithObserver(sink.ObserveStore))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		if !*cfg.Limiter.FailOpen {
			return fmt.Errorf("store unreachable and fail_open disabled: %w", err)
		}
		logger.Warn("store unreachable at startup, continuing fail-open",
			"addr", cfg.Redis.Addr, "error", err)
	}

	evaluator, err := celadapter.NewEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	// Global authentication predicate: any non-empty Authorization
	// header. Policies refine this with authenticated_headers or their
	// own predicate.
	authenticated := func(r *stdhttp.Request) bool {
		return r.Header.Get("Authorization") != ""
	}

	provider := service.NewPolicyProvider(logger)
	if err := publishPolicies(cfg, provider, evaluator, authenticated); err != nil {
		return err
	}

	fallback, err := cfg.FallbackResolver()
	if err != nil {
		return fmt.Errorf("invalid fallback_resolver: %w", err)
	}

	opts := service.Options{
		KeyPrefix:         cfg.Limiter.KeyPrefix,
		FailOpen:          *cfg.Limiter.FailOpen,
		AuthenticatedWhen: authenticated,
		FallbackResolver:  fallback,
	}
	if cfg.Limiter.ExemptWhen != "" {
		exempt, err := evaluator.ExemptPredicate(cfg.Limiter.ExemptWhen, authenticated)
		if err != nil {
			return fmt.Errorf("limiter.exempt_when: %w", err)
		}
		opts.ExemptWhen = exempt
	}

	svc := service.NewDecisionService(provider, store, opts, logger)

	mw := limiterhttp.NewMiddleware(svc, limiterhttp.ShaperOptions{
		Headers:     *cfg.Limiter.Headers,
		Body:        cfg.Limiter.Body,
		ContentType: cfg.Limiter.ContentType,
		Sink:        sink,
	}, logger)

	proxy := httputil.NewSingleHostReverseProxy(upstreamURL)
	proxy.ErrorHandler = func(w stdhttp.ResponseWriter, r *stdhttp.Request, err error) {
		limiterhttp.LoggerFromContext(r.Context()).Error("upstream request failed",
			"upstream", upstreamURL.Host, "error", err)
		stdhttp.Error(w, "bad gateway", stdhttp.StatusBadGateway)
	}

	health := limiterhttp.NewHealthChecker(store, Version)

	mux := stdhttp.NewServeMux()
	mux.Handle("/healthz", health.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", limiterhttp.RequestIDMiddleware(logger)(mw.Handler(proxy)))

	server := &stdhttp.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// SIGHUP republishes the policy snapshot from a freshly loaded
	// config. In-flight requests keep the snapshot they started with.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				fresh, err := config.LoadConfig()
				if err != nil {
					logger.Error("policy reload failed, keeping current snapshot", "error", err)
					continue
				}
				if err := publishPolicies(fresh, provider, evaluator, authenticated); err != nil {
					logger.Error("policy reload failed, keeping current snapshot", "error", err)
					continue
				}
				logger.Info("policies reloaded")
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("accessrl starting",
			"version", Version,
			"addr", cfg.Server.Addr,
			"upstream", upstreamURL.String(),
			"redis", cfg.Redis.Addr,
			"policies", len(cfg.Policies),
			"default_policy", cfg.DefaultPolicy,
			"fail_open", *cfg.Limiter.FailOpen,
			"dev_mode", cfg.DevMode,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("accessrl stopped")
	return nil
}

// publishPolicies converts config policies to domain policies and swaps
// them into the provider as one snapshot.
func publishPolicies(cfg *config.Config, provider *service.PolicyProvider, evaluator *celadapter.Evaluator, authenticated func(*stdhttp.Request) bool) error {
	policies, err := cfg.ToPolicies(evaluator, authenticated)
	if err != nil {
		return fmt.Errorf("failed to build policies: %w", err)
	}
	if err := provider.Replace(policies, cfg.DefaultPolicy); err != nil {
		return fmt.Errorf("failed to publish policies: %w", err)
	}
	return nil
}

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
