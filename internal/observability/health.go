package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON responses for the fixed states.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// Checker is a named dependency probe used by deep readiness checks.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

// Check implements Checker.
func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// HealthChecker provides startup, liveness, and readiness endpoints.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	checks map[string]Checker
}

// NewHealthChecker creates a health checker in the not-started, not-ready
// state.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]Checker)}
}

// SetStarted marks start-up as complete.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted reports whether start-up completed.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as draining.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady reports readiness.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// AddCheck registers a probe run by /readyz?deep=true. A nil checker removes
// the name.
func (h *HealthChecker) AddCheck(name string, c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c == nil {
		delete(h.checks, name)
		return
	}
	h.checks[name] = c
}

// RunChecks runs every registered probe and returns "ok" or the error text
// per name, plus whether all passed.
func (h *HealthChecker) RunChecks(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Checker, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := checks[name].Check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

// StartzHandler returns 200 once start-up has completed, 503 otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write(jsonNotStarted)
	}
}

// HealthzHandler returns 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 when ready, 503 otherwise. With deep=true every
// registered probe must also pass.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") != "true" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonReady)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		results, healthy := h.RunChecks(ctx)

		status, code := "ready", http.StatusOK
		if !healthy {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		body, _ := json.Marshal(struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}{status, results})
		w.WriteHeader(code)
		_, _ = w.Write(body)
	}
}
