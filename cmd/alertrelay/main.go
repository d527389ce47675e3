package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/internal/alerting"
	"github.com/alertrelay/alertrelay/internal/config"
	"github.com/alertrelay/alertrelay/internal/logger"
	"github.com/alertrelay/alertrelay/internal/metricsexporter"
	"github.com/alertrelay/alertrelay/internal/redactor"
	"github.com/alertrelay/alertrelay/internal/relay"
	"github.com/alertrelay/alertrelay/internal/tracing"
	"github.com/alertrelay/alertrelay/internal/validation"
)

var (
	envFile       string
	port          int
	duplicateWait time.Duration
	logLevel      string
	enableMetrics bool
	enableTracing bool

	exitFunc func(int)
)

func init() {
	exitFunc = os.Exit
}

func main() {
	defer logger.Sync()
	if err := newRootCmd().Execute(); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		exitFunc(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "alertrelay",
		Short:        "WebSocket alert relay with duplicate suppression",
		Long:         `alertrelay accepts alerts from producers over WebSocket, suppresses duplicates within a time window and forwards the rest to a Slack incoming webhook.`,
		Args:         cobra.NoArgs,
		RunE:         runServe,
		SilenceUsage: true,
		Version:      config.GetVersion(),
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "Environment file loaded before reading configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error, fatal). Overrides "+config.EnvLogLevel)
	rootCmd.Flags().IntVar(&port, "port", config.DefaultPort, "WebSocket listen port. Overrides "+config.EnvPort)
	rootCmd.Flags().DurationVar(&duplicateWait, "duplicate-wait", config.DefaultDuplicateWaitTime, "Duplicate suppression window. Overrides "+config.EnvDuplicateWaitTime)
	rootCmd.Flags().BoolVar(&enableMetrics, "metrics", false, "Enable Prometheus metrics server")
	rootCmd.Flags().BoolVar(&enableTracing, "tracing", config.DefaultTracingEnabled, "Enable distributed tracing. Overrides "+config.EnvTracingEnabled)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if logLevel != "" {
			if err := validation.ValidateLogLevel(logLevel); err != nil {
				logger.Warn("Ignoring log level flag", zap.Error(err))
				return
			}
			logger.SetLevel(logLevel)
		}
	}

	rootCmd.AddCommand(newSendCmd())
	return rootCmd
}

// loadConfig builds the relay configuration from the environment and the
// flags explicitly set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("duplicate-wait") {
		cfg.DuplicateWaitTime = duplicateWait
	}
	if flags.Changed("tracing") {
		cfg.TracingEnabled = enableTracing
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	if validation.IsPlaintextRemoteWebhook(cfg.WebhookURL) {
		logger.Warn("Webhook URL uses plain http to a remote host; alerts are sent unencrypted",
			zap.String("webhook_url", redactor.String(cfg.WebhookURL)))
	}

	sender, err := alerting.NewSender(cfg.WebhookURL, cfg.DispatchTimeout)
	if err != nil {
		return fmt.Errorf("failed to create sender: %w", err)
	}

	if enableMetrics {
		metricsServer := metricsexporter.StartServer(cfg.MetricsAddr)
		defer metricsServer.Shutdown()
	}

	tracingManager, err := tracing.NewManager(cfg.TracingEnabled, cfg.OTLPEndpoint, cfg.TracingSampleRate)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.DefaultTracingExporterTimeout)
		defer shutdownCancel()
		if err := tracingManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	var dedup *alerting.Deduplicator
	dedup = alerting.NewDeduplicator(cfg.DuplicateWaitTime, cfg.SweepInterval,
		alerting.WithExpireHook(func(string) {
			metricsexporter.RecordDedupExpired()
			metricsexporter.SetDedupEntries(dedup.ItemCount())
		}))

	handler := relay.NewHandler(dedup, sender,
		relay.WithDispatchTimeout(cfg.DispatchTimeout),
		relay.WithTracer(tracingManager.Tracer()))
	srv := relay.NewServer(relay.ServerOptions{
		Addr:            cfg.ListenAddress(),
		MaxMessageBytes: cfg.MaxMessageBytes,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, dedup, handler)

	logger.Info("Starting alert relay",
		zap.String("version", config.GetVersion()),
		zap.Int("port", cfg.Port),
		zap.Duration("duplicate_wait", cfg.DuplicateWaitTime),
		zap.String("sender", sender.Name()))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}
