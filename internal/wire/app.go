package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	memadapter "github.com/reverie/coord/internal/adapter/memory"
	pgdb "github.com/reverie/coord/internal/adapter/postgres"
	pgagent "github.com/reverie/coord/internal/adapter/postgres/agent"
	pgbreaker "github.com/reverie/coord/internal/adapter/postgres/breaker"
	pgeventbus "github.com/reverie/coord/internal/adapter/postgres/eventbus"
	pglocker "github.com/reverie/coord/internal/adapter/postgres/locker"
	pgreservation "github.com/reverie/coord/internal/adapter/postgres/reservation"

	"github.com/reverie/coord/internal/diagnostics"
	domainbreaker "github.com/reverie/coord/internal/domain/breaker"

	portbreaker "github.com/reverie/coord/internal/port/breaker"
	portbus "github.com/reverie/coord/internal/port/eventbus"
	portlocker "github.com/reverie/coord/internal/port/locker"
	portregistry "github.com/reverie/coord/internal/port/registry"
	portres "github.com/reverie/coord/internal/port/reservation"

	breakersvc "github.com/reverie/coord/internal/service/breaker"
	dispatchsvc "github.com/reverie/coord/internal/service/dispatch"
	recoverysvc "github.com/reverie/coord/internal/service/recovery"
	registrysvc "github.com/reverie/coord/internal/service/registry"

	"github.com/reverie/coord/internal/telemetry"
	"github.com/reverie/coord/internal/transport"
	mcptransport "github.com/reverie/coord/internal/transport/mcp"
)

// App holds the top-level resources needed to run and gracefully stop the server.
type App struct {
	Pool        *pgxpool.Pool // nil in MEMORY_STORE mode
	Server      *http.Server
	RegistrySvc *registrysvc.Service
	DispatchSvc *dispatchsvc.Service
	RecoverySvc *recoverysvc.Service
	MCPServer   *mcptransport.Server

	shutdownTelemetry telemetry.Shutdown
}

// Build is the composition root: the only place concrete types are wired to
// their interface dependencies.
func Build(ctx context.Context) (*App, error) {
	// ── Stores ───────────────────────────────────────────────────────────────
	var (
		pool         *pgxpool.Pool
		agentStore   portregistry.AgentStore
		resStore     portres.Store
		breakerStore portbreaker.Store
		eventBus     portbus.EventBus
		locker       portlocker.AdvisoryLocker
	)

	if os.Getenv("MEMORY_STORE") == "1" {
		agentStore = memadapter.NewAgentStore()
		resStore = memadapter.NewReservationStore()
		breakerStore = memadapter.NewBreakerStore()
		eventBus = memadapter.NewEventBus()
		locker = memadapter.NewLocker()
		slog.Info("using in-memory stores")
	} else {
		dbURL := os.Getenv("DATABASE_URL")
		if dbURL == "" {
			return nil, fmt.Errorf("DATABASE_URL not set")
		}
		p, err := pgdb.Connect(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		pool = p
		agentStore = pgagent.New(pool)
		resStore = pgreservation.New(pool)
		breakerStore = pgbreaker.New(pool)
		eventBus = pgeventbus.New(pool)
		locker = pglocker.New(pool)
	}

	// ── Services ─────────────────────────────────────────────────────────────
	heartbeatInterval := envDuration("HEARTBEAT_INTERVAL_SECONDS", 10*time.Second)
	registrySvcInstance := registrysvc.NewService(agentStore, eventBus, registrysvc.DefaultConfig(heartbeatInterval))

	breakerSvcInstance := breakersvc.NewService(breakerStore, eventBus, breakerConfigFromEnv())

	dispatchCfg := dispatchsvc.Config{
		ReservationTTL: envDuration("RESERVATION_TTL_SECONDS", 60*time.Second),
		MaxAttempts:    envInt("MAX_ATTEMPTS", 3),
	}
	dispatchSvcInstance := dispatchsvc.NewService(
		resStore,
		registrySvcInstance,
		breakerSvcInstance,
		locker,
		eventBus,
		dispatchCfg,
	)

	reg := mcptransport.NewSessionRegistry()

	recoverySvcInstance := recoverysvc.NewService(
		resStore,
		agentStore,
		breakerStore,
		registrySvcInstance,
		breakerSvcInstance,
		reg, // implements port/notifier.AgentNotifier
		eventBus,
		dispatchCfg.MaxAttempts,
	)

	mcpServer := mcptransport.New(reg, registrySvcInstance, dispatchSvcInstance)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	collector := diagnostics.NewCollector(registrySvcInstance, resStore, breakerStore)
	shutdownTelemetry, err := telemetry.Init(ctx, os.Getenv("OTEL_ENDPOINT"), "coord", "1.0.0", true)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if err := collector.RegisterMetrics(telemetry.Meter("coord")); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	// ── Transport ─────────────────────────────────────────────────────────────
	router := transport.NewRouter(
		ctx,
		registrySvcInstance,
		dispatchSvcInstance,
		recoverySvcInstance,
		collector,
		mcpServer,
		eventBus,
	)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	slog.Info("application wired", "port", port)

	app := &App{
		Pool:              pool,
		Server:            server,
		RegistrySvc:       registrySvcInstance,
		DispatchSvc:       dispatchSvcInstance,
		RecoverySvc:       recoverySvcInstance,
		MCPServer:         mcpServer,
		shutdownTelemetry: shutdownTelemetry,
	}

	// ── Periodic Recovery + Agent GC ──────────────────────────────────────────
	startRecoveryLoop(ctx, app, dispatchCfg.ReservationTTL)

	return app, nil
}

// Close releases resources that outlive the HTTP server.
func (a *App) Close(ctx context.Context) {
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// breakerConfigFromEnv builds the breaker thresholds. Per-class overrides are
// named via BREAKER_CLASSES (comma-separated class list); each listed class
// reads BREAKER_<CLASS>_THRESHOLD / _WINDOW_SECONDS / _COOLDOWN_SECONDS with
// dots mapped to underscores and the class upper-cased.
func breakerConfigFromEnv() breakersvc.Config {
	def := domainbreaker.Config{
		Threshold: envInt("BREAKER_THRESHOLD", domainbreaker.DefaultConfig.Threshold),
		Window:    envDuration("BREAKER_WINDOW_SECONDS", domainbreaker.DefaultConfig.Window),
		Cooldown:  envDuration("BREAKER_COOLDOWN_SECONDS", domainbreaker.DefaultConfig.Cooldown),
	}

	perClass := make(map[string]domainbreaker.Config)
	for _, class := range strings.Split(os.Getenv("BREAKER_CLASSES"), ",") {
		class = strings.TrimSpace(class)
		if class == "" {
			continue
		}
		prefix := "BREAKER_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(class))
		perClass[class] = domainbreaker.Config{
			Threshold: envInt(prefix+"_THRESHOLD", def.Threshold),
			Window:    envDuration(prefix+"_WINDOW_SECONDS", def.Window),
			Cooldown:  envDuration(prefix+"_COOLDOWN_SECONDS", def.Cooldown),
		}
	}

	return breakersvc.Config{Default: def, PerClass: perClass}
}
