package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gantry-hq/gantry/pkg/admission"
	"gantry-hq/gantry/pkg/config"
	"gantry-hq/gantry/pkg/dispatch"
	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/flavor"
	"gantry-hq/gantry/pkg/health"
	"gantry-hq/gantry/pkg/registry"
	"gantry-hq/gantry/pkg/routing"
	"gantry-hq/gantry/pkg/server"
	"gantry-hq/gantry/pkg/storage"
	"gantry-hq/gantry/pkg/telemetry/logging"
	"gantry-hq/gantry/pkg/telemetry/metrics"
	"gantry-hq/gantry/pkg/tps"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the load balancer",
	Long: `Start the load balancer with the specified configuration.

The server exposes an OpenAI-compatible API on the configured address and
routes each request to the registered endpoint expected to serve it fastest.

Examples:
  # Start with defaults and no static endpoints
  gantry run

  # Start with a config file
  gantry run --config /etc/gantry/gantry.yaml

  # Override the listen address
  gantry run --listen 0.0.0.0:9090

  # Validate config without starting
  gantry run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if _, err := logging.Setup(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	}); err != nil {
		return err
	}

	if runFlags.dryRun {
		fmt.Printf("✓ Configuration valid (%d static endpoints)\n", len(cfg.Endpoints))
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Durable stores.
	endpointStore, err := storage.NewSQLiteEndpointStoreWithConfig(storage.SQLiteEndpointStoreConfig{
		Path:        cfg.Storage.EndpointsPath,
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open endpoint store: %w", err)
	}
	defer endpointStore.Close()

	statsStore, err := storage.NewSQLiteStatsStoreWithConfig(storage.SQLiteStatsStoreConfig{
		Path:        cfg.Storage.StatsPath,
		BusyTimeout: cfg.Storage.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open stats store: %w", err)
	}
	defer statsStore.Close()

	// Core components.
	reg := registry.New(endpointStore, cfg.Storage.WriteRetryMaxElapsed)
	gate := admission.NewGate(admission.Config{
		MaxQueue:    cfg.Admission.MaxQueue,
		WaitTimeout: cfg.Admission.WaitTimeout,
	})
	tracker := tps.NewTracker(cfg.TPS.Alpha)
	history := dispatch.NewHistory(statsStore)
	selector := routing.NewSelector(reg, tracker)
	m := metrics.New()

	prober := health.NewProber(nil, cfg.Health.ProbeTimeout)
	detector := flavor.NewDetector(nil)
	monitor := health.NewMonitor(health.Config{
		DefaultInterval:  cfg.Health.Interval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
	}, reg, statsStore, prober, detector)
	monitor.SetMetrics(m)

	dispatcher := dispatch.New(selector, gate, reg, tracker, history, m, &http.Client{})

	// Registry hooks keep the gate and metrics in step with endpoint
	// lifecycle. Names are remembered so gauges can be cleared on delete.
	var nameMu sync.Mutex
	names := make(map[uuid.UUID]string)

	reg.OnUpsert(func(ep *endpoint.Endpoint) {
		gate.SetLimit(ep.ID, ep.MaxConcurrency)
		m.SetEndpointUp(ep.Name, ep.Status == endpoint.StatusOnline)
		nameMu.Lock()
		names[ep.ID] = ep.Name
		nameMu.Unlock()
	})
	reg.OnDelete(func(id uuid.UUID) {
		gate.Remove(id)
		tracker.DeleteEndpoint(id)
		selector.Forget(id)
		monitor.Forget(id)
		if err := statsStore.DeleteEndpoint(context.Background(), id); err != nil {
			slog.Warn("failed to delete endpoint stats", "endpoint_id", id, "error", err)
		}
		nameMu.Lock()
		name, ok := names[id]
		delete(names, id)
		nameMu.Unlock()
		if ok {
			m.RemoveEndpoint(name)
		}
	})

	// Hydrate persisted endpoints, then reconcile the static list from the
	// config file.
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("failed to load endpoints: %w", err)
	}
	if err := reg.SyncStatic(ctx, cfg.Endpoints); err != nil {
		slog.Warn("some static endpoints failed to register", "error", err)
	}

	// Seed throughput estimates from recent history so ranking is warm
	// before the first completed request.
	seed, err := statsStore.TPSSeed(ctx, 7)
	if err != nil {
		slog.Warn("failed to seed throughput estimates", "error", err)
	} else {
		tracker.Seed(seed)
	}

	// Background loops.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		tps.NewFlusher(tracker, statsStore, cfg.TPS.FlushInterval).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		history.Run(ctx, cfg.TPS.FlushInterval)
	}()

	retention := storage.NewRetention(statsStore, storage.RetentionConfig{
		RetentionDays: cfg.Storage.RetentionDays,
		Schedule:      cfg.Storage.RetentionSchedule,
	})
	if err := retention.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention scheduler: %w", err)
	}
	defer retention.Stop()

	// Hot-reload static endpoints on config file changes.
	if cfgFile != "" {
		err := config.WatchEndpoints(ctx, cfgFile, func(specs []config.EndpointSpec) {
			if err := reg.SyncStatic(context.Background(), specs); err != nil {
				slog.Warn("static endpoint reload failed", "error", err)
			}
		})
		if err != nil {
			slog.Warn("config watching disabled", "error", err)
		}
	}

	srv := server.New(cfg.Server, cfg.Admission.DrainTimeout, server.Deps{
		Registry:   reg,
		Monitor:    monitor,
		Gate:       gate,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		History:    history,
		Stats:      statsStore,
	})

	err = srv.Start(ctx)

	// Stop background loops and let them finish their final flushes.
	cancel()
	wg.Wait()

	return err
}
