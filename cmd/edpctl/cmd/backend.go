package cmd

import (
	"context"
	"fmt"

	"github.com/austindbirch/edp/internal/config"
	"github.com/austindbirch/edp/internal/db"
	"github.com/austindbirch/edp/internal/health"
	"github.com/austindbirch/edp/internal/idempotency"
	"github.com/austindbirch/edp/internal/ingest"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/queue"
	"github.com/austindbirch/edp/internal/replay"
	"github.com/austindbirch/edp/internal/store"
	"github.com/austindbirch/edp/internal/store/postgres"
)

// backend is the in-process pipeline a command operates on.
type backend struct {
	svc    *ingest.Service
	checks []health.Check
	close  func()
}

// openBackend connects to the pipeline described by the environment. Tests replace it.
var openBackend = func(ctx context.Context) (*backend, error) {
	var cfg config.Config
	if envFile != "" {
		cfg = config.Load(envFile)
	} else {
		cfg = config.Load()
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return connect(ctx, cfg)
}

func connect(ctx context.Context, cfg config.Config) (*backend, error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*backend, error) {
		cleanup()
		return nil, err
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		return fail(store.ErrProcessLocal)
	case "postgres", "":
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return fail(fmt.Errorf("db connect: %w", err))
		}
		closers = append(closers, pool.Close)
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fail(err)
		}
		st = pg
	default:
		return fail(fmt.Errorf("unknown store driver %q", cfg.Store.Driver))
	}

	rdb, err := db.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { _ = rdb.Close() })

	producer, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, producer.Stop)

	client := queue.NewClient(producer, queue.TopologyFromConfig(cfg.NSQ), queue.DefaultRetryPolicy())
	guard := idempotency.NewGuard(rdb, cfg.Idempotency.TTL)
	coord := replay.NewCoordinator(st, client, cfg.Replay.BatchSize, cfg.Replay.Window)

	return &backend{
		svc: ingest.NewService(st, guard, client, coord),
		checks: []health.Check{
			{Name: "store", Pinger: st},
			{Name: "redis", Pinger: guard},
			{Name: "nsqd", Pinger: health.PingerFunc(func(context.Context) error { return producer.Ping() })},
		},
		close: cleanup,
	}, nil
}

// withBackend opens the backend for the duration of fn.
func withBackend(ctx context.Context, fn func(b *backend) error) error {
	b, err := openBackend(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer b.close()
	return fn(b)
}
