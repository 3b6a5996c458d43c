// Command worker runs a standalone execution pool against the shared
// store and redis queue. Run as many replicas as throughput requires;
// the conditional job claim keeps concurrent replicas from double-sending.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/letterpressd/letterpress/internal/analytics"
	"github.com/letterpressd/letterpress/internal/circuitbreaker"
	"github.com/letterpressd/letterpress/internal/config"
	"github.com/letterpressd/letterpress/internal/metrics"
	"github.com/letterpressd/letterpress/internal/queue/redisq"
	"github.com/letterpressd/letterpress/internal/store/postgres"
	"github.com/letterpressd/letterpress/internal/store/sqlite"
	"github.com/letterpressd/letterpress/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}
	if cfg.QueueBackend != "redis" {
		fmt.Fprintln(os.Stderr, "standalone workers need QUEUE_BACKEND=redis; the memory queue is not shared between processes")
		return 2
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	defer cancelReaper()

	q := redisq.New(redisClient, redisq.Config{LeaseTimeout: cfg.LeaseTimeout})
	go q.RunReaper(reaperCtx)

	var gen worker.Generator = worker.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorSecret, cfg.GeneratorTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		cb := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		gen = worker.NewGatedGenerator(gen, cb, cfg.GeneratorURL)
	}

	var sender worker.Sender
	if cfg.SMTPAddr != "" {
		sender = worker.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
		log.Printf("worker: smtp delivery enabled (addr=%s, from=%s)", cfg.SMTPAddr, cfg.SMTPFrom)
	} else {
		log.Println("worker: SMTP_ADDR not set; delivery disabled (generation only)")
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
		go func() {
			log.Printf("worker: metrics listening on %s%s", cfg.HTTPAddr, cfg.MetricsPath)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("worker: metrics server error: %v", err)
			}
		}()
	}

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
		gen,
		sender,
	).WithMetrics(sink)

	if cfg.AnalyticsEnabled {
		wrk = wrk.WithAnalytics(analytics.NewRedisSink(redisClient))
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wrk.Run(workerCtx)
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("worker: received signal %v, draining in-flight jobs", received)
	cancelWorker()
	<-done
	cancelReaper()

	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancelShutdown()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("worker: metrics server shutdown error: %v", err)
		}
	}

	log.Println("worker: stopped")
	return 0
}

func openStore(ctx context.Context, cfg config.Config) (interface {
	worker.Store
	Close() error
}, error) {
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
		return postgres.New(db), nil
	}
	return sqlite.Open(ctx, cfg.SQLitePath)
}
