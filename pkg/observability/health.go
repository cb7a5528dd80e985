package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) error

type registeredCheck struct {
	check    HealthCheck
	required bool
}

// HealthChecker manages health checks for dependencies.
// A failing required check makes the service unhealthy; a failing optional one only degrades it.
type HealthChecker struct {
	checks map[string]registeredCheck
	mu     sync.RWMutex
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Status   string `json:"status"`
	Required bool   `json:"required"`
	Error    string `json:"error,omitempty"`
}

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]registeredCheck),
	}
}

// AddCheck adds a required check
func (h *HealthChecker) AddCheck(name string, check HealthCheck) {
	h.add(name, check, true)
}

// AddOptionalCheck adds a check whose failure only degrades the service
func (h *HealthChecker) AddOptionalCheck(name string, check HealthCheck) {
	h.add(name, check, false)
}

func (h *HealthChecker) add(name string, check HealthCheck, required bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{check: check, required: required}
}

// Names returns the registered check names in sorted order
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckHealth runs all health checks
func (h *HealthChecker) CheckHealth(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(h.checks)),
	}

	for name, rc := range h.checks {
		result := CheckResult{Status: "ok", Required: rc.required}
		if err := rc.check(ctx); err != nil {
			result.Status = "error"
			result.Error = err.Error()
			if rc.required {
				status.Status = StatusUnhealthy
			} else if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
		status.Checks[name] = result
	}

	return status
}

// Register mounts /health/live, /health/ready and /health on mux
func (h *HealthChecker) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.LivenessHandler())
	mux.HandleFunc("GET /health/ready", h.ReadinessHandler())
	mux.HandleFunc("GET /health", h.HealthHandler())
}

// LivenessHandler returns HTTP handler for liveness probe
// Liveness: Is the service running?
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, map[string]interface{}{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns HTTP handler for readiness probe
// Readiness: Is the service ready to accept traffic? Degraded still counts as ready.
func (h *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return h.statusHandler(5 * time.Second)
}

// HealthHandler returns HTTP handler for detailed health check
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return h.statusHandler(10 * time.Second)
}

func (h *HealthChecker) statusHandler(timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		status := h.CheckHealth(ctx)

		code := http.StatusOK
		if status.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, status)
	}
}

func writeHealth(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
