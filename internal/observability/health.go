package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DependencyCheck reports whether a dependency (postgres, nats) is reachable.
type DependencyCheck func(ctx context.Context) error

// HealthChecker manages liveness and readiness state.
// /healthz is liveness, /readyz is readiness.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]DependencyCheck
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]DependencyCheck),
	}
}

// AddCheck registers a dependency probed on every readiness request.
func (h *HealthChecker) AddCheck(name string, check DependencyCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every registered dependency check and returns the failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once startup finished (migrations, rate
// table load) and every dependency check passes, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := h.Check(ctx)
	if h.ready.Load() && len(failures) == 0 {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "not_ready",
		"dependencies": failures,
	})
}
