package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the slice of the store the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports limiter health. The only dependency that can
// actually fail is the store connection.
type HealthChecker struct {
	store   Pinger
	version string
}

// NewHealthChecker creates a HealthChecker. store may be nil when no
// store is wired (e.g. in tests).
func NewHealthChecker(store Pinger, version string) *HealthChecker {
	return &HealthChecker{store: store, version: version}
}

// Check pings the store and assembles the health report.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			checks["store"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			checks["store"] = "ok"
		}
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler serves the health report. Unhealthy maps to 503 so load
// balancers can eject the instance.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}
