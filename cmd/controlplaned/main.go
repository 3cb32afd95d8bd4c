// Command controlplaned is the control-plane service entrypoint: it loads
// configuration, wires the scheduler/ledger/policy/evidence/orchestration
// core together, and serves the worker heartbeat channel and an admin
// HTTP mux (health, metrics, ledger verification). Bootstrap sequencing
// (flags -> logging -> telemetry -> store -> component wiring -> serve ->
// signal-driven shutdown) follows cmd/p2pd/main.go's shape.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dyocense/controlplane/config"
	"dyocense/controlplane/internal/discovery"
	"dyocense/controlplane/internal/evidence"
	"dyocense/controlplane/internal/ledger"
	"dyocense/controlplane/internal/logging"
	"dyocense/controlplane/internal/orchestration"
	"dyocense/controlplane/internal/policy"
	"dyocense/controlplane/internal/scheduler"
	"dyocense/controlplane/internal/solverclient"
	"dyocense/controlplane/internal/store"
	"dyocense/controlplane/internal/store/gormstore"
	"dyocense/controlplane/internal/telemetry"
	"dyocense/controlplane/internal/workerchannel"
)

func main() {
	configFile := flag.String("config", "./controlplaned.toml", "Path to the configuration file")
	workerID := flag.String("worker-id", "", "Identifier this coordinator leases jobs under (defaults to a generated UUID)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CONTROLPLANE_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	if env != "" {
		cfg.Environment = env
	}

	var fileCfg *logging.FileConfig
	if cfg.LogFilePath != "" {
		fileCfg = &logging.FileConfig{Path: cfg.LogFilePath, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
	}
	logger := logging.Setup("controlplaned", cfg.Environment, fileCfg)

	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "controlplaned",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
		Headers:     otlpHeaders,
		Metrics:     cfg.OTLPEndpoint != "",
		Traces:      cfg.OTLPEndpoint != "",
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	tierRules, err := config.LoadTierRules(cfg.TierRulesPath)
	if err != nil {
		logger.Error("failed to load tier rules", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}

	hmacSecret, err := hex.DecodeString(cfg.SigningSecretHex)
	if err != nil {
		logger.Error("invalid signing secret hex", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to prepare data directory", slog.Any("error", err))
		os.Exit(1)
	}

	sched := scheduler.New(st, tierRules, scheduler.WithLogger(logger))
	guard := policy.New(tierRules)
	mode := ledger.Mode(cfg.DefaultSignatureMode)
	if mode == "" {
		mode = ledger.ModeHMAC
	}
	led := ledger.New(st, hmacSecret, mode, cfg.EnableAsymmetricSigning)

	ev, err := evidence.Open(cfg.DataDir+"/evidence-blobs", cfg.DataDir+"/evidence-graph.db")
	if err != nil {
		logger.Error("failed to open evidence store", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	solver, closeSolver, err := resolveSolver(ctx, cfg)
	if err != nil {
		logger.Error("failed to resolve solver target", slog.Any("error", err))
		os.Exit(1)
	}
	if closeSolver != nil {
		defer closeSolver()
	}

	orch := orchestration.New(sched, guard, solver, led, ev, orchestration.WithLogger(logger))

	id := strings.TrimSpace(*workerID)
	if id == "" {
		id = "controlplaned-" + uuid.NewString()
	}

	pollInterval := time.Duration(cfg.PollIntervalMillis) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	leaseTTL := time.Duration(cfg.WorkerLeaseTTLSeconds) * time.Second
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}

	go orch.Run(ctx, id, pollInterval, leaseTTL)
	go sched.Run(ctx, pollInterval, 5)

	issuer, err := workerchannel.NewTokenIssuer(hmacSecret, "controlplaned")
	if err != nil {
		logger.Error("failed to build worker token issuer", slog.Any("error", err))
		os.Exit(1)
	}
	heartbeatExtension := time.Duration(cfg.HeartbeatExtensionSeconds) * time.Second
	hub := workerchannel.NewHub(sched, issuer, heartbeatExtension, logger)

	if cfg.WorkerChannelAddress != "" {
		workerMux := chi.NewRouter()
		workerMux.Handle("/v1/workers/heartbeat", hub)
		go func() {
			logger.Info("worker heartbeat channel listening", slog.String("address", cfg.WorkerChannelAddress))
			if err := http.ListenAndServe(cfg.WorkerChannelAddress, workerMux); err != nil {
				logger.Error("worker heartbeat channel stopped", slog.Any("error", err))
			}
		}()
	}

	adminMux := chi.NewRouter()
	adminMux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.Get("/v1/tenants/{tenant_id}", func(w http.ResponseWriter, r *http.Request) {
		tenant, err := sched.GetTenant(r.Context(), chi.URLParam(r, "tenant_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, tenant)
	})
	adminMux.Get("/v1/tenants/{tenant_id}/ledger/verify", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				limit = parsed
			}
		}
		report, err := led.Verify(r.Context(), chi.URLParam(r, "tenant_id"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, report)
	})

	server := &http.Server{Addr: cfg.AdminAddress, Handler: otelhttp.NewHandler(adminMux, "admin")}
	go func() {
		logger.Info("admin interface listening", slog.String("address", cfg.AdminAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin interface stopped", slog.Any("error", err))
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = ev.Close()
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return gormstore.Open(gormstore.DriverSQLite, cfg.StoreDSN)
	case "postgres":
		return gormstore.Open(gormstore.DriverPostgres, cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// resolveSolver dials a fixed solver target when configured, otherwise
// resolves one via DNS SRV discovery. The returned close func releases
// the gRPC connection; it is nil when no solver target could be
// established (callers must fail the orchestrator then).
func resolveSolver(ctx context.Context, cfg *config.Config) (orchestration.SolverPort, func() error, error) {
	target := strings.TrimSpace(cfg.SolverTarget)
	if target == "" && cfg.SolverDiscoveryName != "" {
		resolver := discovery.NewResolver(cfg.SolverDNSServer, 5*time.Second)
		picked, err := resolver.Pick(ctx, cfg.SolverDiscoveryName)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve solver via discovery: %w", err)
		}
		target = picked.Addr()
	}
	if target == "" {
		return nil, nil, fmt.Errorf("no solver target configured (set SolverTarget or SolverDiscoveryName)")
	}
	client, err := solverclient.Dial(ctx, solverclient.Config{Target: target, Insecure: cfg.SolverInsecure})
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
