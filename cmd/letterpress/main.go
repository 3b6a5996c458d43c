package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/letterpressd/letterpress/internal/analytics"
	"github.com/letterpressd/letterpress/internal/api"
	"github.com/letterpressd/letterpress/internal/circuitbreaker"
	"github.com/letterpressd/letterpress/internal/config"
	"github.com/letterpressd/letterpress/internal/metrics"
	"github.com/letterpressd/letterpress/internal/queue"
	"github.com/letterpressd/letterpress/internal/queue/memq"
	"github.com/letterpressd/letterpress/internal/queue/redisq"
	"github.com/letterpressd/letterpress/internal/reconciler"
	"github.com/letterpressd/letterpress/internal/recurrence"
	"github.com/letterpressd/letterpress/internal/scheduler"
	"github.com/letterpressd/letterpress/internal/store/postgres"
	"github.com/letterpressd/letterpress/internal/store/sqlite"
	"github.com/letterpressd/letterpress/internal/worker"

	_ "github.com/lib/pq"
)

// storage is the union of every store contract the binary wires up.
// Both backends satisfy it.
type storage interface {
	api.Store
	scheduler.Store
	worker.Store
	reconciler.Store
	Close() error
}

var (
	_ storage = (*postgres.Store)(nil)
	_ storage = (*sqlite.Store)(nil)
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	switch cmd := os.Args[1]; cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`letterpress - recurring newsletter scheduler and delivery engine

Usage:
  letterpress <command>

Commands:
  serve      Start the API server, scheduler, and worker pool
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string
  SQLITE_PATH               SQLite database path (alternative to DATABASE_URL)
  REDIS_ADDR                Redis address for the queue and analytics
  HTTP_ADDR                 HTTP server address (default: ":8080")
  QUEUE_BACKEND             "redis" or "memory" (default: redis when REDIS_ADDR set)

  POLL_INTERVAL             Due-schedule poll interval (default: "5m")
  MAX_ATTEMPTS              Delivery attempts before a job fails (default: "3")
  WORKER_POOL_SIZE          Concurrent job executors (default: "4")
  LEASE_TIMEOUT             Redis queue message lease (default: "10m")
  BACKOFF_BASE              First retry delay, doubled per attempt (default: "30s")
  BACKOFF_CAP               Maximum retry delay (default: "10m")

  GENERATOR_URL             Newsletter generation service URL (required)
  GENERATOR_SECRET          HMAC secret for generation requests
  GENERATOR_TIMEOUT         Generation request timeout (default: "60s")

  SMTP_ADDR                 SMTP server host:port (unset = generation only)
  SMTP_FROM                 Sender address (required with SMTP_ADDR)
  SMTP_USERNAME             SMTP auth username (optional)
  SMTP_PASSWORD             SMTP auth password (optional)

  METRICS_ENABLED           Expose Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  RECONCILE_ENABLED         Re-enqueue stuck queued jobs (default: "false")
  RECONCILE_INTERVAL        How often to scan for stuck jobs (default: "5m")
  RECONCILE_THRESHOLD       Age before a queued job is stuck (default: "30m")
  RECONCILE_BATCH_SIZE      Max stuck jobs per cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before the generator
                            circuit opens; 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-circuit cooldown (default: "2m")

  ANALYTICS_ENABLED         Record hourly outcome counters in Redis (default: "false")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	// Reaper context outlives worker shutdown so leases keep moving while
	// in-flight jobs drain.
	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	defer cancelReaper()

	q := openQueue(reaperCtx, cfg, redisClient)

	// Metrics sink (optional), served on the API listener.
	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("letterpress: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("letterpress: METRICS_ENABLED not set; metrics disabled")
	}

	rules := recurrence.NewParser()

	sched := scheduler.New(
		scheduler.Config{PollInterval: cfg.PollInterval},
		st,
		rules,
		q,
	).WithMetrics(sink)

	wrk := worker.New(
		worker.Config{
			PoolSize:       cfg.WorkerPoolSize,
			MaxAttempts:    cfg.MaxAttempts,
			DequeueTimeout: cfg.DequeueTimeout,
			BackoffBase:    cfg.BackoffBase,
			BackoffCap:     cfg.BackoffCap,
		},
		st,
		q,
		buildGenerator(cfg),
		buildSender(cfg),
	).WithMetrics(sink)

	if cfg.AnalyticsEnabled {
		wrk = wrk.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("letterpress: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("letterpress: ANALYTICS_ENABLED not set; analytics disabled")
	}

	apiHandler := api.NewHandler(st, q, rules).WithSchedulerStatus(sched)

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler)
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("letterpress: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("letterpress: http server error: %v", err)
		}
	}()

	// Separate contexts per component enable ordered shutdown: the
	// scheduler stops dispatching before the workers drain, and the HTTP
	// server goes last so /health answers throughout.
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	workerCtx, cancelWorker := context.WithCancel(context.Background())

	var schedulerWg sync.WaitGroup
	var workerWg sync.WaitGroup
	var reconcilerWg sync.WaitGroup
	var cancelReconciler context.CancelFunc

	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		sched.Run(schedulerCtx)
	}()

	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		wrk.Run(workerCtx)
	}()

	if cfg.ReconcileEnabled {
		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		recon := reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			},
			st,
			q,
		)
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			recon.Run(reconcilerCtx)
		}()
		log.Printf("letterpress: reconciler enabled (interval=%s, threshold=%s, batch=%d)",
			cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	} else {
		log.Println("letterpress: RECONCILE_ENABLED not set; reconciler disabled")
	}

	// Queue depth gauge, sampled rather than event-driven.
	depthCtx, cancelDepth := context.WithCancel(context.Background())
	if dr, ok := q.(queue.DepthReporter); ok && cfg.MetricsEnabled {
		go pollQueueDepth(depthCtx, dr, sink)
	}

	log.Printf("letterpress: started (poll=%s, queue=%s, http=%s)", cfg.PollInterval, q.Name(), cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("letterpress: received signal %v, shutting down", received)

	// Phase 1: stop the scheduler so no new jobs are dispatched.
	log.Println("letterpress: stopping scheduler...")
	cancelScheduler()
	schedulerWg.Wait()
	log.Println("letterpress: scheduler stopped")

	// Phase 2: stop the reconciler so nothing is re-enqueued mid-drain.
	if cancelReconciler != nil {
		log.Println("letterpress: stopping reconciler...")
		cancelReconciler()
		reconcilerWg.Wait()
		log.Println("letterpress: reconciler stopped")
	}

	// Phase 3: stop the workers; in-flight jobs run to completion.
	log.Println("letterpress: stopping workers (finishing in-flight jobs)...")
	cancelWorker()
	workerWg.Wait()
	log.Println("letterpress: workers stopped")

	cancelDepth()
	cancelReaper()
	if c, ok := q.(interface{ Close() }); ok {
		c.Close()
	}

	// Phase 4: graceful HTTP shutdown.
	log.Println("letterpress: stopping http server...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("letterpress: http server shutdown error: %v", err)
	}
	log.Println("letterpress: http server stopped")

	log.Println("letterpress: stopped")
	return exitSuccess
}

// openStore connects the configured storage backend and applies the schema.
func openStore(ctx context.Context, cfg config.Config) (storage, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		st := postgres.New(db)
		if err := st.InitSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}

		log.Printf("letterpress: postgres connected (max_open=%d, max_idle=%d, max_lifetime=%s)",
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
		return st, nil
	}

	st, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	log.Printf("letterpress: sqlite opened (path=%s)", cfg.SQLitePath)
	return st, nil
}

// openQueue builds the configured queue backend. For redis the lease
// reaper runs until reaperCtx is cancelled.
func openQueue(reaperCtx context.Context, cfg config.Config, client *redis.Client) queue.Queue {
	if cfg.QueueBackend == "redis" {
		q := redisq.New(client, redisq.Config{LeaseTimeout: cfg.LeaseTimeout})
		go q.RunReaper(reaperCtx)
		log.Printf("letterpress: redis queue (addr=%s, lease=%s)", cfg.RedisAddr, cfg.LeaseTimeout)
		return q
	}
	log.Println("letterpress: in-memory queue (jobs are lost on restart)")
	return memq.New(1024)
}

func buildGenerator(cfg config.Config) worker.Generator {
	var gen worker.Generator = worker.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorSecret, cfg.GeneratorTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		cb := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		gen = worker.NewGatedGenerator(gen, cb, cfg.GeneratorURL)
		log.Printf("letterpress: generator circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	return gen
}

func buildSender(cfg config.Config) worker.Sender {
	if cfg.SMTPAddr == "" {
		log.Println("letterpress: SMTP_ADDR not set; delivery disabled (generation only)")
		return nil
	}
	log.Printf("letterpress: smtp delivery enabled (addr=%s, from=%s)", cfg.SMTPAddr, cfg.SMTPFrom)
	return worker.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
}

const depthSampleInterval = 15 * time.Second

func pollQueueDepth(ctx context.Context, q queue.DepthReporter, sink metrics.Sink) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := q.Depth(ctx)
			if err != nil {
				continue
			}
			sink.QueueDepthUpdate(depth)
		}
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("letterpress version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
