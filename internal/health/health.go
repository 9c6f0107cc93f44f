package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is anything that can report its own reachability, such as *pgxpool.Pool or store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check is a named dependency pinged by the handler.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HTTPHandler returns an HTTP handler that pings every check and reports 503 if any fails.
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		if len(checks) > 0 {
			st.Checks = make(map[string]string, len(checks))
		}
		var failed []string
		for _, c := range checks {
			if c.Pinger == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			err := c.Pinger.Ping(ctx)
			cancel()
			if err != nil {
				st.Checks[c.Name] = err.Error()
				failed = append(failed, c.Name)
				continue
			}
			st.Checks[c.Name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failed) > 0 {
			sort.Strings(failed)
			st.OK = false
			st.Message = failed[0] + " ping failed"
			if len(failed) > 1 {
				st.Message = "dependency pings failed"
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
