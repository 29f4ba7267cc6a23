package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fractal-lba/switchback/internal/metrics"
	"github.com/fractal-lba/switchback/pkg/otel"
)

var (
	// Global flags
	logFormat    string
	logLevel     string
	metricsAddr  string
	otlpEndpoint string
)

func main() {
	// Load environment variables before flag defaults read them
	if err := godotenv.Load(getEnv("SWITCHBACK_ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:   "switchsim",
		Short: "Monte Carlo Type I error and power for switchback designs",
		Long: `Simulates switchback experiments on historical order data. Each replicate
randomizes region-time clusters by coin flip, injects a multiplicative effect
and refits the analysis model, estimating its Type I error rate and power.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logFormat, logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", getEnv("SWITCHBACK_LOG_FORMAT", "text"), "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", getEnv("SWITCHBACK_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", getEnv("SWITCHBACK_METRICS_ADDR", ""), "Serve Prometheus metrics on this address while running")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "Export traces to this OTLP gRPC collector")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gridCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

// runtimeEnv is the process-level plumbing shared by every command: signal
// handling, metrics, tracing.
type runtimeEnv struct {
	ctx     context.Context
	metrics *metrics.Metrics
	closers []func(context.Context) error
}

func startRuntime(cmd *cobra.Command) (*runtimeEnv, error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	env := &runtimeEnv{ctx: ctx}
	env.closers = append(env.closers, func(context.Context) error { stop(); return nil })

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.metrics = metrics.New(reg)

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux(reg),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			slog.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
		env.closers = append(env.closers, srv.Shutdown)
	}

	if otlpEndpoint != "" {
		cfg := otel.DefaultConfig("switchsim")
		cfg.CollectorEndpoint = otlpEndpoint
		cfg.Environment = getEnv("SWITCHBACK_ENV", "development")
		tp, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			env.close()
			return nil, err
		}
		env.closers = append(env.closers, func(ctx context.Context) error { return otel.Shutdown(ctx, tp) })
	}
	return env, nil
}

// close releases resources in reverse order of acquisition.
func (e *runtimeEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			slog.Warn("shutdown error", "error", err)
		}
	}
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", withBasicAuth(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		getEnv("METRICS_USER", ""), getEnv("METRICS_PASS", "")))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// withBasicAuth guards handler when user is set.
func withBasicAuth(handler http.Handler, user, password string) http.Handler {
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
