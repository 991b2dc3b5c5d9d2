package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/wampgate/wampgate/internal/config"
	"github.com/wampgate/wampgate/internal/metrics"
	"github.com/wampgate/wampgate/internal/router"
	"github.com/wampgate/wampgate/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the router",
	Long: `Start the wampgate router.

Realms and listeners come from the config file. At least one realm and
one listener are required.

Examples:
  # Start with config file settings
  wampgate start

  # Start with a specific config file
  wampgate --config /path/to/wampgate.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("wampgate stopped")
	return nil
}

// run wires the router, metrics and listeners together and blocks until
// the context is canceled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	rtr := router.New(logger, m)
	for _, realm := range cfg.Realms {
		if err := rtr.AddRealm(realm.Name); err != nil {
			return fmt.Errorf("failed to add realm %s: %w", realm.Name, err)
		}
		logger.Info("realm created", "realm", realm.Name)
	}

	srv := server.New(rtr, nil, logger)
	defer srv.Close()

	for _, ep := range cfg.Listeners.WebSocket {
		if _, err := srv.ListenWebSocket(ep.Addr); err != nil {
			return err
		}
	}
	for _, ep := range cfg.Listeners.RawSocket {
		if _, err := srv.ListenRawSocket(ep.Addr); err != nil {
			return err
		}
	}
	for _, ep := range cfg.Listeners.Unix {
		var err error
		if ep.Transport == "websocket" {
			_, err = srv.ListenWebSocketUnix(ep.Path)
		} else {
			_, err = srv.ListenRawSocketUnix(ep.Path)
		}
		if err != nil {
			return err
		}
	}
	if cfg.Metrics.Addr != "" {
		if _, err := srv.ListenMetrics(cfg.Metrics.Addr, registry); err != nil {
			return err
		}
	}

	logger.Info("wampgate started", "realms", len(cfg.Realms))
	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Close()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
