package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinel-zero/sentinel/pkg/config"
	"github.com/sentinel-zero/sentinel/pkg/coordinator"
	"github.com/sentinel-zero/sentinel/pkg/events"
	"github.com/sentinel-zero/sentinel/pkg/log"
	"github.com/sentinel-zero/sentinel/pkg/metrics"
	"github.com/sentinel-zero/sentinel/pkg/storage"
	"github.com/sentinel-zero/sentinel/pkg/timewheel"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor daemon",
	Long: `Run the Sentinel daemon: recover persisted workloads, arm their
schedules, and serve control operations until interrupted.

Examples:
  # Run with defaults (data in ./sentinel-data)
  sentinel daemon

  # Run with a config file and a boot manifest
  sentinel daemon --config sentinel.yaml --apply workloads.yaml`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("config", "", "Path to the daemon config file")
	daemonCmd.Flags().String("data-dir", "./sentinel-data", "Data directory for the embedded database")
	daemonCmd.Flags().String("apply", "", "Boot manifest of workloads and policies to apply on startup")
	daemonCmd.Flags().String("metrics-addr", "", "Address for the Prometheus endpoint (disabled when empty)")
	daemonCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	daemonCmd.Flags().Bool("json-logs", false, "Emit logs as JSON instead of console format")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	applyPath, _ := cmd.Flags().GetString("apply")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	logLevel, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLogs})
	logger := log.WithComponent("daemon")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	loc := cfg.Location()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	broker := events.NewBroker(256)
	broker.OnLagged(func(*events.Subscription) {
		broker.Publish(&events.Event{
			Type:    events.EventSubscriberLagged,
			Message: "subscriber dropped for falling behind",
		})
	})
	broker.Start()

	gateway := storage.NewGateway(store, storage.GatewayConfig{
		FlushBatch:    cfg.LogFlushBatch,
		FlushInterval: cfg.LogFlushInterval(),
		QueueMax:      cfg.LogQueueMax,
	}, func(workloadID string, count int) {
		broker.Publish(&events.Event{
			Type:       events.EventLogDropped,
			WorkloadID: workloadID,
			Message:    fmt.Sprintf("%d records dropped under backpressure", count),
		})
	})

	wheel := timewheel.New()
	wheel.Start()

	coord, err := coordinator.New(coordinator.Config{
		CommandTimeout:      cfg.CommandTimeout(),
		StopGrace:           cfg.DefaultStopGrace(),
		SampleInterval:      cfg.MetricSampleInterval(),
		RetentionAge:        cfg.RetentionAge(),
		RetentionMaxRecords: cfg.RetentionMaxRecords,
		Location:            loc,
	}, gateway, broker, wheel)
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	logger.Info().Str("data_dir", dataDir).Msg("coordinator recovered")

	collector := metrics.NewCollector(coord, broker)
	collector.Start()

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint up")
	}

	if applyPath != "" {
		if err := applyManifest(coord, applyPath); err != nil {
			return fmt.Errorf("apply manifest: %w", err)
		}
	}

	fmt.Println("Sentinel daemon is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DefaultStopGrace()+30*time.Second)
	defer cancel()

	coord.Shutdown(shutdownCtx)
	collector.Stop()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	wheel.Stop()
	broker.Stop()
	if err := gateway.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("gateway close incomplete")
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
