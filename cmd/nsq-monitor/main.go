package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/edp/internal/config"
	"github.com/austindbirch/edp/internal/health"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/metrics"
	"github.com/austindbirch/edp/internal/queue"
)

const serviceName = "edp-nsq-monitor"

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(serviceName)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	m := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, queue.TopologyFromConfig(cfg.NSQ), cfg.Monitor.Interval)
	if err := m.Poll(ctx); err != nil {
		logger.Plain().WithError(err).Warn("initial nsqd stats poll failed")
	}
	go m.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Monitor.HTTPPort,
		Handler:           newMux(reg, m),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     srv.Addr,
			"nsqd":     cfg.NSQ.NsqdHTTPAddr,
			"interval": cfg.Monitor.Interval.String(),
		}).Info("NSQ monitor starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("NSQ monitor HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("NSQ monitor stopped")
}

// newMux serves /metrics and a /healthz that is healthy while nsqd stats can be read.
func newMux(reg *prometheus.Registry, m *queue.Monitor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.HTTPHandler(health.Check{Name: "nsqd", Pinger: health.PingerFunc(m.Poll)}))
	return mux
}
