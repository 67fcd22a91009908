// Package main provides the facepay command: the real-time face stream and
// payments HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/thebtf/facepay/internal/config"
	"github.com/thebtf/facepay/internal/worker"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const shutdownTimeout = 30 * time.Second

// serveFlags override the settings file and environment when set.
type serveFlags struct {
	dsn            string
	inferenceURL   string
	logLevel       string
	port           int
	poolSize       int
	queueDepth     int
	matchThreshold float64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "facepay",
		Short:         "FacePay real-time face recognition and payments service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(Version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyFlags(cmd, cfg, flags)
			setupLogging(cfg.LogLevel)
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&flags.port, "port", "p", config.DefaultPort, "HTTP listen port")
	f.StringVar(&flags.dsn, "db", "", "database DSN (sqlite file path or postgres:// URL)")
	f.StringVar(&flags.inferenceURL, "inference-url", "", "face inference sidecar base URL")
	f.IntVar(&flags.poolSize, "workers", 0, "frame analysis worker count")
	f.IntVar(&flags.queueDepth, "queue-depth", 0, "pending frame queue depth")
	f.Float64Var(&flags.matchThreshold, "match-threshold", config.DefaultMatchThreshold, "cosine similarity a match must exceed")
	f.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config, flags serveFlags) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = flags.port
	}
	if f.Changed("db") {
		cfg.DBDSN = flags.dsn
	}
	if f.Changed("inference-url") {
		cfg.InferenceURL = flags.inferenceURL
	}
	if f.Changed("workers") && flags.poolSize > 0 {
		cfg.PoolSize = flags.poolSize
	}
	if f.Changed("queue-depth") && flags.queueDepth > 0 {
		cfg.QueueDepth = flags.queueDepth
	}
	if f.Changed("match-threshold") {
		cfg.MatchThreshold = flags.matchThreshold
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("version", Version).
		Int("port", cfg.Port).
		Msg("Starting FacePay service")

	svc, err := worker.NewService(cfg, Version)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	otel.SetMeterProvider(svc.MeterProvider())

	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	return nil
}
