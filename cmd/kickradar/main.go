// Command kickradar runs the restock tracking engine: it polls configured
// retailer sources on a fixed cycle, detects product changes, and serves
// status and live notifications over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/internal/breaker"
	"github.com/kickradar/kickradar/internal/changes"
	"github.com/kickradar/kickradar/internal/engine"
	"github.com/kickradar/kickradar/internal/health"
	"github.com/kickradar/kickradar/internal/notify"
	"github.com/kickradar/kickradar/internal/observability"
	"github.com/kickradar/kickradar/internal/schema"
	"github.com/kickradar/kickradar/internal/store"
	"github.com/kickradar/kickradar/internal/telemetry"
)

const (
	defaultConfigPath        = "config/kickradar.yaml"
	defaultTargetsPath       = "config/targets.yaml"
	defaultListenAddr        = ":8870"
	shutdownTimeout          = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	statusReadHeaderTimeout  = 5 * time.Second
	probePersistence         = 10 * time.Minute
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "Path to engine configuration file")
	targetsPath := flag.String("targets", defaultTargetsPath, "Path to tracked targets file")
	listenAddr := flag.String("listen", defaultListenAddr, "Status and notification listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "kickradar ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, *debug))

	settings, loadedFromFile, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		settings = config.FromEnv()
		logger.Printf("configuration file not found, using environment defaults")
	}
	logger.Printf("configuration initialised: env=%s, sources=%d",
		settings.Environment, len(settings.Sources))
	if settings.Emergency.Enabled {
		logger.Printf("emergency mode active: pacing multiplier=%.1f", settings.Emergency.PacingMultiplier)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, settings.Environment)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	recordStore, pool, err := initRecordStore(ctx, logger)
	if err != nil {
		logger.Fatalf("initialise record store: %v", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	breakers := breaker.NewRegistry(func(name string) config.BreakerSettings {
		cfg, _ := settings.Source(name)
		return cfg.Breaker
	})
	monitor := health.NewMonitor(func(name string) config.HealthSettings {
		cfg, _ := settings.Source(name)
		return cfg.Health
	}, breakers)
	hub := notify.NewHub()
	detector := changes.NewDetector(recordStore)
	dispatcher := changes.NewDispatcher([]changes.Subscriber{hub, logSubscriber{}}, 4)

	orch, err := engine.New(settings, breakers, monitor, detector, dispatcher)
	if err != nil {
		logger.Fatalf("initialise orchestrator: %v", err)
	}
	logger.Printf("orchestrator ready: sources=%v", orch.Sources())

	server := buildStatusServer(*listenAddr, monitor, breakers, hub)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("status server: %v", err)
			cancel()
		}
	}()
	logger.Printf("status server listening on %s", *listenAddr)

	runCycles(ctx, logger, settings, orch, monitor, hub, *targetsPath)

	logger.Print("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("status server shutdown: %v", err)
	}
	hub.Close()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer telemetryCancel()
	if err := telemetryProvider.Shutdown(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	logger.Print("shutdown completed")
}

// runCycles drives the polling loop until the context is cancelled. The
// target list is re-read each cycle so tracking edits take effect without a
// restart; a read failure keeps the previous cycle's list.
func runCycles(
	ctx context.Context,
	logger *log.Logger,
	settings config.Settings,
	orch *engine.Orchestrator,
	monitor *health.Monitor,
	hub *notify.Hub,
	targetsPath string,
) {
	interval := settings.Engine.CycleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var targets []schema.Target
	for {
		if fresh, err := config.LoadTargets(targetsPath); err != nil {
			if len(targets) == 0 {
				logger.Printf("no targets available: %v", err)
			} else {
				logger.Printf("targets reload failed, keeping %d previous: %v", len(targets), err)
			}
		} else {
			targets = fresh
		}

		if len(targets) > 0 {
			report := orch.RunCycle(ctx, targets)
			logger.Printf("cycle completed: targets=%d success=%d parse_failed=%d events=%d elapsed=%s",
				len(targets),
				report.Outcomes(schema.OutcomeSuccess),
				report.Outcomes(schema.OutcomeParseFailed),
				report.Events(),
				report.Finished.Sub(report.Started).Round(time.Millisecond))

			for _, alert := range monitor.Evaluate() {
				if alert.Recovered {
					logger.Printf("source recovered: %s", alert.Source)
				} else {
					logger.Printf("source degraded: %s class=%s dominant=%s %s",
						alert.Source, alert.Class, alert.Dominant, alert.Guidance)
				}
				if err := hub.DeliverAlert(ctx, alert); err != nil {
					logger.Printf("alert broadcast: %v", err)
				}
			}

			if results := orch.ProbeDown(ctx, probePersistence); len(results) > 0 {
				logger.Printf("recovery probes: %v", results)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Environment = string(env)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// initRecordStore opens the Postgres-backed record store when a DSN is
// configured, falling back to the in-process store otherwise.
func initRecordStore(ctx context.Context, logger *log.Logger) (changes.RecordStore, *pgxpool.Pool, error) {
	dsn := os.Getenv("KICKRADAR_DATABASE_URL")
	if dsn == "" {
		logger.Print("no database configured; last-known records held in memory")
		return changes.NewMemoryStore(), nil, nil
	}

	if err := store.Migrate(ctx, dsn, ""); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database pool: %w", err)
	}
	logger.Print("record store backed by postgres")
	return store.NewPostgresStore(pool), pool, nil
}

func buildStatusServer(addr string, monitor *health.Monitor, breakers *breaker.Registry, hub *notify.Hub) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		type status struct {
			Sources  []health.Snapshot        `json:"sources"`
			Circuits map[string]breaker.State `json:"circuits"`
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status{
			Sources:  monitor.Snapshots(),
			Circuits: breakers.States(),
		}); err != nil {
			observability.Log().Error("encode status", observability.Any("error", err))
		}
	})
	mux.Handle("/ws", hub)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: statusReadHeaderTimeout,
	}
}

// logSubscriber mirrors every change event into the process log so events
// remain visible without a websocket client attached.
type logSubscriber struct{}

func (logSubscriber) Name() string { return "log" }

func (logSubscriber) Deliver(_ context.Context, event schema.ChangeEvent) error {
	fields := []observability.Field{
		observability.String("kind", string(event.Kind)),
		observability.String("item", event.ItemKey),
		observability.String("source", event.Source),
	}
	if event.Current.HasPrice() {
		fields = append(fields, observability.String("price",
			event.Current.Price.StringFixed(2)+" "+event.Current.Currency))
	}
	observability.Log().Info("change detected", fields...)
	return nil
}
