package main

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/edp/internal/config"
	"github.com/austindbirch/edp/internal/logging"
	"github.com/austindbirch/edp/internal/signing"
)

var logger = logging.New("edp-fake-receiver")

// receiver is a test destination: it checks signatures and fails the first N requests.
type receiver struct {
	cfg      config.FakeReceiver
	reqCount atomic.Int64
}

func newReceiver(cfg config.FakeReceiver) *receiver {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = signing.DefaultHeader
	}
	return &receiver{cfg: cfg}
}

func main() {
	all := config.Load()
	logging.SetLevel(logging.ParseLevel(all.LogLevel))
	cfg := all.FakeReceiver
	r := newReceiver(cfg)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      r.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"verify":       cfg.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.cfg.EndpointSecret != "" {
		if ok, msg := verifySignature(rc.cfg.EndpointSecret, b, r.Header.Get(rc.cfg.SignatureHeader)); !ok {
			logger.Plain().WithField("reason", msg).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N request -> 500
	if n <= int64(rc.cfg.FailFirstN) {
		logger.Plain().WithFields(map[string]any{
			"request": n,
			"fail_n":  rc.cfg.FailFirstN,
			"body":    truncate(string(b), 160),
		}).Info("FAILING")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	logger.Plain().WithFields(map[string]any{
		"path":    r.URL.Path,
		"method":  r.Method,
		"headers": len(r.Header),
		"body":    truncate(string(b), 160),
	}).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verifySignature(secret string, body []byte, sigHeaderVal string) (bool, string) {
	if sigHeaderVal == "" {
		return false, "missing signature header"
	}
	if !signing.Verify(body, secret, sigHeaderVal) {
		return false, "sig mismatch"
	}
	return true, ""
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
