package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/tap-pipedrive/internal/config"
	"github.com/Sternrassler/tap-pipedrive/pkg/auth"
	"github.com/Sternrassler/tap-pipedrive/pkg/client"
	"github.com/Sternrassler/tap-pipedrive/pkg/logging"
	"github.com/Sternrassler/tap-pipedrive/pkg/metrics"
	"github.com/Sternrassler/tap-pipedrive/pkg/ratelimit"
	"github.com/Sternrassler/tap-pipedrive/pkg/sink"
	"github.com/Sternrassler/tap-pipedrive/pkg/state"
	"github.com/Sternrassler/tap-pipedrive/pkg/tap"
)

var version = "dev"

type options struct {
	configPath   string
	statePath    string
	stateBackend string
	metricsAddr  string
	logLevel     string
	pretty       bool

	registerer prometheus.Registerer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(metrics.Registry).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd(reg prometheus.Registerer) *cobra.Command {
	opts := options{registerer: reg}

	cmd := &cobra.Command{
		Use:   "tap-pipedrive",
		Short: "Extract Pipedrive changes as a Singer stream",
		Long: `Reads the Pipedrive recents change feed since the last bookmark and
writes RECORD and STATE messages to stdout. Logs go to stderr.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "tap-pipedrive: %v\n", err)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", getEnv("TAP_PIPEDRIVE_CONFIG", ""), "config file (YAML, JSON or TOML)")
	flags.StringVarP(&opts.statePath, "state", "s", "", "Singer state file to resume from")
	flags.StringVar(&opts.stateBackend, "state-backend", "", "state backend: singer, file, memory, redis, sqlite, postgres (overrides config)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", getEnv("TAP_PIPEDRIVE_METRICS_ADDR", ""), "serve Prometheus metrics on this address")
	flags.StringVar(&opts.logLevel, "log-level", getEnv("TAP_PIPEDRIVE_LOG_LEVEL", "info"), "debug, info, warn or error")
	flags.BoolVar(&opts.pretty, "pretty", getEnvBool("TAP_PIPEDRIVE_LOG_PRETTY", false), "human-readable logs")

	return cmd
}

func run(ctx context.Context, opts options, stdout, stderr io.Writer) error {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(opts.logLevel),
		Pretty: opts.pretty,
		Output: stderr,
	}).With().Str("run_id", uuid.NewString()).Logger()

	if opts.configPath == "" {
		return errors.New("--config is required")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.stateBackend != "" {
		cfg.StateBackend = opts.stateBackend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	writer := sink.NewSingerWriter(stdout)

	backend, err := state.Open(ctx, state.Options{
		Backend:       cfg.StateBackend,
		StatePath:     opts.statePath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		RedisKey:      cfg.RedisKey,
		SQLitePath:    cfg.SQLitePath,
		PostgresDSN:   cfg.PostgresDSN,
	})
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	defer backend.Close()
	store := state.Tee(backend, state.NewSingerEmitter(writer))

	tokens := auth.NewManager(auth.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
	}, auth.Config{
		AuthURL: cfg.AuthURL,
		OnRotate: func(c auth.Credentials) {
			if c.RefreshToken != cfg.RefreshToken {
				logger.Warn().Msg("Refresh token was rotated; update the config before the next run")
			}
		},
	}, logger)

	clientCfg := client.DefaultConfig(cfg.UserAgent)
	clientCfg.BaseURL = cfg.APIURL
	clientCfg.Retry.MaxAttempts = cfg.MaxAttempts
	clientCfg.RateLimit = ratelimit.Config{RequestsPerSecond: cfg.RequestsPerSecond}
	api, err := client.New(clientCfg, tokens)
	if err != nil {
		return err
	}

	t, err := tap.New(tap.Deps{
		API:         api,
		Credentials: tokens,
		Sink:        writer,
		Store:       store,
		Observer:    metrics.NewObserver(opts.registerer),
	}, tap.Config{
		StartDate: cfg.StartDate,
		BatchSize: cfg.BatchSize,
		PageLimit: cfg.PageLimit,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info().Str("version", version).Str("state_backend", cfg.StateBackend).Msg("Starting tap-pipedrive")
	summary, err := t.Run(ctx)
	if err != nil {
		return err
	}

	event := logger.Info().Str("watermark", summary.Watermark)
	for stream, n := range summary.Records {
		event = event.Int(stream, n)
	}
	event.Msg("Sync completed")
	return nil
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}
