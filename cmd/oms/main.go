package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ontoforge/oms/pkg/audit"
	"github.com/ontoforge/oms/pkg/author"
	"github.com/ontoforge/oms/pkg/auth"
	"github.com/ontoforge/oms/pkg/bus"
	"github.com/ontoforge/oms/pkg/config"
	"github.com/ontoforge/oms/pkg/consumer"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/ledger"
	"github.com/ontoforge/oms/pkg/lock"
	"github.com/ontoforge/oms/pkg/merge"
	"github.com/ontoforge/oms/pkg/observability"
	"github.com/ontoforge/oms/pkg/occ"
	"github.com/ontoforge/oms/pkg/outbox"
	"github.com/ontoforge/oms/pkg/policy"
	"github.com/ontoforge/oms/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stdout, stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Ontology Management Service")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  oms <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the service (default)")
	fmt.Fprintln(w, "  migrate   Create database tables and exit")
	fmt.Fprintln(w, "  health    Check a running server over HTTP")
	fmt.Fprintln(w, "  help      Show this help")
}

func usesPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, bool, error) {
	if usesPostgres(cfg.DatabaseURL) {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			if cfg.Development() {
				// Dev fallback: embedded SQLite so the service boots without
				// infrastructure.
				logger.Warn("postgres unavailable, falling back to sqlite", "error", err)
				db, serr := store.OpenSQLite(ctx, "oms.db")
				return db, true, serr
			}
			return nil, false, err
		}
		return db, false, nil
	}
	db, err := store.OpenSQLite(ctx, cfg.DatabaseURL)
	return db, true, err
}

func runMigrate(stdout, stderr io.Writer) int {
	cfg := config.MustLoad()
	ctx := context.Background()

	db, sqliteDialect, err := openDB(ctx, cfg, slog.Default())
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := store.Migrate(ctx, db, sqliteDialect); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	if !sqliteDialect {
		if err := ledger.NewPostgresLedger(db).Init(ctx); err != nil {
			fmt.Fprintf(stderr, "migrate ledger: %v\n", err)
			return 1
		}
		if err := occ.NewPostgresVersionStore(db).Migrate(ctx); err != nil {
			fmt.Fprintf(stderr, "migrate versions: %v\n", err)
			return 1
		}
	}
	fmt.Fprintln(stdout, "migrations applied")
	return 0
}

// services bundles the composed domain components. The binary itself only runs
// the background machinery (relays, sweeper, consumers); an embedding
// application reaches the write path through this surface.
type services struct {
	Engine    *occ.Engine
	Merger    *merge.Committer
	Gate      *policy.Gate
	Locks     *lock.Manager
	Auditor   *audit.Emitter
	Auth      *auth.Validator
	Publisher *outbox.Publisher

	outboxStore *store.SQLOutbox
	auditStore  *store.SQLAuditStore
	consumers   *store.SQLConsumerStore
	transport   bus.Bus
}

func buildServices(ctx context.Context, cfg *config.Config, db *sql.DB, sqliteDialect bool, obs *observability.Provider) (*services, error) {
	// Commit ledger and version store: relational on Postgres, in-process in
	// SQLite/dev deployments.
	var graph merge.MergeLedger
	var versions occ.VersionStore
	if sqliteDialect {
		graph = ledger.NewMemoryLedger()
		versions = occ.NewMemoryVersionStore()
	} else {
		pl := ledger.NewPostgresLedger(db)
		if err := pl.Init(ctx); err != nil {
			return nil, fmt.Errorf("init ledger: %w", err)
		}
		pv := occ.NewPostgresVersionStore(db)
		if err := pv.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("init versions: %w", err)
		}
		graph = pl
		versions = pv
	}

	attributor, err := author.New(cfg.JWTSecret, cfg.Development())
	if err != nil {
		return nil, fmt.Errorf("author attribution: %w", err)
	}

	// Event transport and lock backend: Redis when configured, in-process
	// otherwise.
	var transport bus.Bus
	var lockStore lock.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		transport = bus.NewRedisBus(client, "oms")
		lockStore = lock.NewRedisStore(client, "oms")
	} else {
		transport = bus.NewMemoryBus()
		lockStore = lock.NewMemoryStore()
	}

	outboxStore := store.NewSQLOutbox(db)
	publisher := outbox.NewPublisher(outboxStore)

	states := store.NewSQLBranchStateStore(db)
	locks := lock.NewManager(lockStore, states,
		lock.WithHeartbeatGrace(cfg.HeartbeatGrace),
		lock.WithMetrics(obs))

	validators, err := merge.DefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("merge validators: %w", err)
	}

	gate, err := buildGate(cfg, db)
	if err != nil {
		return nil, fmt.Errorf("policy gate: %w", err)
	}

	return &services{
		Engine:    occ.NewEngine(versions, graph, attributor, occ.WithMetrics(obs)),
		Merger:    merge.NewCommitter(merge.NewEngine(validators), graph, attributor, publisher),
		Gate:      gate,
		Locks:     locks,
		Auditor:   audit.NewEmitter(publisher),
		Auth:      auth.NewHS256Validator([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience),
		Publisher: publisher,

		outboxStore: outboxStore,
		auditStore:  store.NewSQLAuditStore(db),
		consumers:   store.NewSQLConsumerStore(db),
		transport:   transport,
	}, nil
}

// buildGate assembles the policy gate from the configured profile, or the
// built-in route table and RBAC matrix when none is set.
func buildGate(cfg *config.Config, db *sql.DB) (*policy.Gate, error) {
	table := policy.DefaultTable()
	matrix := policy.DefaultMatrix()

	profile, err := config.LoadPolicyProfile(cfg.PolicyProfilePath)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		if table, err = profile.Table(); err != nil {
			return nil, err
		}
		matrix = profile.Matrix()
	}

	overrides := policy.NewOverrides(store.NewSQLOverrideStore(db), matrix,
		policy.WithOverrideTTL(cfg.OverrideTTL))
	return policy.NewGate(table, matrix,
		policy.WithIssueChecker(policy.PatternChecker{}),
		policy.WithOverrides(overrides),
	), nil
}

// archiveAuditEvents materializes the durable audit trail. Audit emission
// rides the outbox, so the archive is fed from the bus rather than written
// synchronously with the business commit.
func archiveAuditEvents(archive audit.Store) consumer.Handler {
	return func(ctx context.Context, state json.RawMessage, env *contracts.EventEnvelope) (*consumer.HandlerOutput, error) {
		var ev contracts.AuditEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		if err := archive.Append(ctx, &ev); err != nil {
			return nil, err
		}

		var s struct {
			Archived    int64  `json:"archived"`
			LastAuditID string `json:"last_audit_id"`
		}
		if len(state) > 0 && string(state) != "{}" {
			if err := json.Unmarshal(state, &s); err != nil {
				return nil, fmt.Errorf("decode archiver state: %w", err)
			}
		}
		s.Archived++
		s.LastAuditID = ev.ID
		next, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		return &consumer.HandlerOutput{State: next}, nil
	}
}

func runServer(stdout, stderr io.Writer) int {
	cfg := config.MustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("oms starting", "env", cfg.Env, "port", cfg.Port)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "oms",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     cfg.Development(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	slos := observability.NewSLOTracker()
	slos.SetTarget(&observability.SLOTarget{
		SLOID:       "slo-consumer-process",
		Name:        "Audit archiver processing",
		Operation:   "consumer.process",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.999,
		WindowHours: 24,
	})
	obs.SetSLOTracker(slos)

	slis := observability.NewSLIRegistry()
	if err := slis.Register(&observability.SLI{
		SLIID:           "sli-consumer-process-latency",
		Name:            "Consumer processing latency",
		Operation:       "consumer.process",
		Component:       "consumer",
		Source:          observability.SLISourceMetric,
		Unit:            "ms",
		GoodEventQuery:  "oms.request.duration{operation=consumer.process} < 500ms",
		TotalEventQuery: "oms.requests.total{operation=consumer.process}",
		LinkedSLOID:     "slo-consumer-process",
	}); err != nil {
		fmt.Fprintf(stderr, "register SLI: %v\n", err)
		return 1
	}

	db, sqliteDialect, err := openDB(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := store.Migrate(ctx, db, sqliteDialect); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}

	svc, err := buildServices(ctx, cfg, db, sqliteDialect, obs)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	go lock.NewSweeper(svc.Locks, cfg.SweepInterval).Run(ctx)

	for shard := 0; shard < cfg.RelayShards; shard++ {
		relay := outbox.NewRelay(svc.outboxStore, svc.transport, shard, cfg.RelayShards,
			outbox.WithPollInterval(cfg.RelayInterval),
			outbox.WithRelayMetrics(obs))
		go relay.Run(ctx)
	}

	host, _ := os.Hostname()
	archiver := consumer.New("audit_archiver", "1.0.0",
		archiveAuditEvents(svc.auditStore),
		svc.consumers, svc.consumers.Records(),
		consumer.WithCheckpoints(svc.consumers.Checkpoints(), 0, 0),
		consumer.WithLease(host, 0),
		consumer.WithMaxRetries(cfg.ConsumerMaxRetries),
		consumer.WithOutbox(svc.Publisher),
		consumer.WithMetrics(obs))
	sub, err := archiver.Attach(ctx, svc.transport, audit.ActivitySubject)
	if err != nil {
		fmt.Fprintf(stderr, "attach audit archiver: %v\n", err)
		return 1
	}
	defer func() { _ = sub.Unsubscribe() }()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})
	healthMux.HandleFunc("/slo", func(w http.ResponseWriter, r *http.Request) {
		status, err := slos.Status("consumer.process")
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	backend := "postgres"
	if sqliteDialect {
		backend = "sqlite"
	}
	logger.Info("oms ready",
		"backend", backend,
		"relay_shards", cfg.RelayShards,
		"sweep_interval", cfg.SweepInterval)

	<-ctx.Done()
	logger.Info("oms shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
