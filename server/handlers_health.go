package server

import (
	"context"
	"errors"
	"net/http"
)

// HandleHealthz responds to liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes once the hub has loaded and the
// database answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"database", func(ctx context.Context) error {
			if h.ping == nil {
				return nil
			}
			return h.ping(ctx)
		}},
		{"trackers", func(context.Context) error {
			if !h.hub.Started() {
				return errors.New("trackers still loading")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
