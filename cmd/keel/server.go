package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traverse-labs/keel/pkg/adjudication"
	"github.com/traverse-labs/keel/pkg/authority"
	"github.com/traverse-labs/keel/pkg/config"
	"github.com/traverse-labs/keel/pkg/eventlog"
	"github.com/traverse-labs/keel/pkg/observability"
	"github.com/traverse-labs/keel/pkg/projection"
	"github.com/traverse-labs/keel/pkg/publisher"
	"github.com/traverse-labs/keel/pkg/runtime"
	"github.com/traverse-labs/keel/pkg/sampling"
	"github.com/traverse-labs/keel/pkg/trust"
	"github.com/traverse-labs/keel/pkg/workers"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

//nolint:gocognit
func runServer() {
	fmt.Fprintln(os.Stdout, "Keel runtime starting...")
	ctx := context.Background()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		log.Fatalf("Failed to load runtime profile: %v", err)
	}
	logger.Info("profile loaded", "name", profile.Name)

	// Storage. DATABASE_URL selects postgres; unset falls back to a
	// local sqlite file.
	db, driver, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}
	eventLog := eventlog.NewSQLLog(db)
	if err := eventLog.Init(ctx); err != nil {
		log.Fatalf("Failed to init event log: %v", err)
	}
	logger.Info("event log ready", "driver", driver)

	// Startup plan check: the stream replay query must be index-backed
	// before the server takes traffic.
	indexes, err := availableIndexes(ctx, db, driver)
	if err != nil {
		log.Fatalf("Failed to list indexes: %v", err)
	}
	if err := publisher.VerifyPlans(indexes, publisher.StreamEvents{}); err != nil {
		log.Fatalf("Query plan check failed: %v", err)
	}

	// Projections and views.
	creditView := projection.NewCreditProjector()
	trustView := trust.NewProjector()
	registry := workers.NewRegistry(profile.Leases.TTL())
	outbox := publisher.NewOutboxProjector()
	pipeline := projection.NewPipeline(creditView, trustView, registry, outbox)

	auth := authority.New(creditView, trustView, registry)
	evaluator, err := buildEvaluator(profile)
	if err != nil {
		log.Fatalf("Failed to build adjudicator: %v", err)
	}

	policy := sampling.Policy{}
	if cfg.SamplingSeed != "" {
		seed, err := sampling.DeriveSeed(cfg.SamplingSeed, "review")
		if err != nil {
			log.Fatalf("Failed to derive sampling seed: %v", err)
		}
		policy = sampling.Policy{
			Seed: seed,
			RateBps: map[sampling.Risk]int{
				sampling.RiskLow:    profile.Sampling.LowBps,
				sampling.RiskMedium: profile.Sampling.MediumBps,
				sampling.RiskHigh:   profile.Sampling.HighBps,
			},
		}
	}

	pub := publisher.NewPublisher(64)
	health := publisher.NewSyncHealth()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel-runtime",
		ServiceVersion: version,
		Environment:    envOr("KEEL_ENV", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	if err := obs.ObserveSyncHealth(health); err != nil {
		logger.Warn("sync health gauges unavailable", "error", err)
	}

	orch, err := runtime.New(runtime.Options{
		Log:        eventLog,
		Pipeline:   pipeline,
		Authority:  auth,
		CreditView: creditView,
		TrustView:  trustView,
		Verifier:   buildVerifier(cfg.LaneSecret),
		Limiter:    buildLimiter(profile),
		Evaluator:  evaluator,
		Policy:     policy,
		Publisher:  pub,
		Health:     health,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to assemble orchestrator: %v", err)
	}

	if err := obs.ObserveProjectors(orch.Statuses); err != nil {
		logger.Warn("projector gauges unavailable", "error", err)
	}

	if err := orch.CatchUp(ctx); err != nil {
		log.Fatalf("Projection catch-up failed: %v", err)
	}
	for _, st := range orch.Statuses() {
		if st.LastError != "" {
			logger.Warn("projector degraded after catch-up",
				"projector", st.Name, "error", st.LastError)
		}
	}
	logger.Info("projections caught up")

	// Optional cross-node lease coordination.
	var leases *workers.RedisLeaseStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis ping failed: %v", err)
		}
		leases = workers.NewRedisLeaseStore(client, profile.Leases.TTL())
		logger.Info("redis lease store ready", "addr", cfg.RedisAddr)
	}

	srv := &apiServer{
		orch:       orch,
		obs:        obs,
		creditView: creditView,
		trustView:  trustView,
		registry:   registry,
		outbox:     outbox,
		pub:        pub,
		health:     health,
		leases:     leases,
		logger:     logger,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go srv.sweepLoop(sweepCtx, profile.Leases.TTL()/4)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Println("[keel] ready")
	log.Println("[keel] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[keel] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openDatabase opens postgres when a URL is configured, else a local
// sqlite file under data/.
func openDatabase(databaseURL string) (*sql.DB, string, error) {
	if os.Getenv("DATABASE_URL") != "" {
		db, err := sql.Open("postgres", databaseURL)
		return db, "postgres", err
	}

	dataDir := "data"
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, "", fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "keel.db")
	log.Printf("[keel] lite mode: using sqlite at %s", dbPath)
	db, err := sql.Open("sqlite", dbPath)
	return db, "sqlite", err
}

// availableIndexes lists index names known to the database.
func availableIndexes(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	query := `SELECT indexname FROM pg_indexes WHERE schemaname = 'public'`
	if driver == "sqlite" {
		query = `SELECT name FROM sqlite_master WHERE type = 'index'`
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// buildEvaluator arms the predicates the profile configures. Built-ins
// run before CEL rules.
func buildEvaluator(profile *config.Profile) (*adjudication.Evaluator, error) {
	var predicates []adjudication.Predicate
	if profile.Anomaly.MaxAmountMinor > 0 {
		predicates = append(predicates, adjudication.AmountThreshold{MaxMinor: profile.Anomaly.MaxAmountMinor})
	}
	if profile.Anomaly.MaxScopeDefaults > 0 {
		predicates = append(predicates, adjudication.RepeatedScopeDefault{MaxDefaults: profile.Anomaly.MaxScopeDefaults})
	}
	if profile.Anomaly.MaxOutcomes > 0 && profile.Anomaly.VelocityWindowSeconds > 0 {
		predicates = append(predicates, adjudication.Velocity{
			MaxOutcomes: profile.Anomaly.MaxOutcomes,
			Window:      profile.Anomaly.VelocityWindow(),
		})
	}
	for name, expr := range profile.Anomaly.CelRules {
		rule, err := adjudication.NewCELPredicate(name, expr)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, rule)
	}
	if len(predicates) == 0 {
		return nil, nil
	}
	return adjudication.NewEvaluator(predicates...), nil
}

// buildVerifier guards every lane with a per-lane role when a secret is
// configured. Without a secret all lanes are open (dev mode).
func buildVerifier(secret string) *runtime.TokenVerifier {
	if secret == "" {
		return nil
	}
	return runtime.NewTokenVerifier([]byte(secret), map[runtime.Lane]string{
		runtime.LaneSaLifecycle:       "provider",
		runtime.LaneSklDiscoveryTrust: "attestor",
		runtime.LaneAcCredit:          "creditor",
	})
}

func buildLimiter(profile *config.Profile) *runtime.LaneLimiter {
	if len(profile.Lanes) == 0 {
		return runtime.NewLaneLimiter(runtime.DefaultLanePolicies())
	}
	policies := make(map[runtime.Lane]runtime.LanePolicy, len(profile.Lanes))
	for lane, p := range profile.Lanes {
		policies[runtime.Lane(lane)] = runtime.LanePolicy{PerSecond: p.PerSecond, Burst: p.Burst}
	}
	return runtime.NewLaneLimiter(policies)
}
