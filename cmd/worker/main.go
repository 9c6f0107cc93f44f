package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/edp/internal/config"
	"github.com/austindbirch/edp/internal/db"
	"github.com/austindbirch/edp/internal/dispatch"
	"github.com/austindbirch/edp/internal/health"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/metrics"
	"github.com/austindbirch/edp/internal/queue"
	"github.com/austindbirch/edp/internal/ratelimit"
	"github.com/austindbirch/edp/internal/store"
	"github.com/austindbirch/edp/internal/store/postgres"
	"github.com/austindbirch/edp/internal/tracing"
)

const serviceName = "edp-worker"

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(serviceName)

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store open failed")
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Dispatch.RateLimitBackend == "redis" {
		rdb, err = db.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Plain().WithError(err).Fatal("redis connect failed")
		}
		defer rdb.Close()
	}
	limiter, err := newLimiter(cfg.Dispatch.RateLimitBackend, rdb)
	if err != nil {
		logger.Plain().WithError(err).Fatal("rate limiter setup failed")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	checks := []health.Check{{Name: "store", Pinger: st}}
	if rdb != nil {
		checks = append(checks, health.Check{Name: "redis", Pinger: health.PingerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})})
	}

	// HTTP health/metrics
	httpSrv := &http.Server{
		Addr:              cfg.Dispatch.HTTPPort,
		Handler:           newMux(reg, checks...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	producer, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	client := queue.NewClient(producer, queue.TopologyFromConfig(cfg.NSQ), retryPolicy(cfg.Dispatch))
	engine := dispatch.NewEngine(st, limiter, dispatch.NewSender(cfg.Dispatch.HTTPTimeout), dispatch.Config{
		SignatureHeader:        cfg.Dispatch.SignatureHeader,
		DeadLetterUnresolvable: cfg.Dispatch.DeadLetterUnresolvable,
	})

	consumers, err := client.StartConsumers(ctx, consumerConfig(cfg), engine, engine)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumers failed to start")
	}

	// Start backlog monitoring
	go queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, client.Topology(), cfg.Monitor.Interval).Run(ctx)

	logger.Plain().WithFields(map[string]any{
		"workers":    cfg.Dispatch.Workers,
		"store":      cfg.Store.Driver,
		"rate_limit": cfg.Dispatch.RateLimitBackend,
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	drain(consumers, cancel)
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

// drain stops the consumers, waiting for in-flight deliveries, and only then cancels the
// context shared with the monitor and handlers.
func drain(consumers interface{ Stop() }, cancel context.CancelFunc) {
	consumers.Stop()
	cancel()
}

// openStore opens the configured store driver, migrating the Postgres schema.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return nil, store.ErrProcessLocal
	case "postgres", "":
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newLimiter picks the rate limiter backend. "redis" needs rdb.
func newLimiter(backend string, rdb redis.Cmdable) (ratelimit.Limiter, error) {
	switch strings.ToLower(backend) {
	case "local", "":
		return ratelimit.NewRegistry(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis rate limiter needs a redis client")
		}
		return ratelimit.NewRedisLimiter(rdb), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", backend)
	}
}

func retryPolicy(d config.Dispatch) queue.RetryPolicy {
	p := queue.DefaultRetryPolicy()
	if d.MaxAttempts > 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if d.BaseDelay > 0 {
		p.BaseDelay = d.BaseDelay
	}
	if d.Multiplier >= 1 {
		p.Multiplier = d.Multiplier
	}
	if d.MaxDelay > 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

func consumerConfig(cfg config.Config) queue.ConsumerConfig {
	var lookupds []string
	for _, a := range strings.Split(cfg.NSQ.LookupHTTPAddr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			lookupds = append(lookupds, a)
		}
	}
	return queue.ConsumerConfig{
		NsqdTCPAddr:     cfg.NSQ.NsqdTCPAddr,
		LookupHTTPAddrs: lookupds,
		Workers:         cfg.Dispatch.Workers,
		MaxInFlight:     cfg.Dispatch.MaxInFlight,
	}
}

func newMux(reg *prometheus.Registry, checks ...health.Check) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
