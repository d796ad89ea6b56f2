package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthStatus is the aggregate state reported by the health endpoints.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const healthCheckTimeout = 3 * time.Second

// Pinger is any dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// DependencyCheck registers a dependency with the health handler. Critical
// dependencies make the service unhealthy when down; others only degrade it.
type DependencyCheck struct {
	Name     string
	Pinger   Pinger
	Critical bool
}

// CheckResult is the per-dependency outcome.
type CheckResult struct {
	Status    HealthStatus `json:"status"`
	LatencyMs int64        `json:"latency_ms"`
	Error     string       `json:"error,omitempty"`
}

// HealthResponse is returned by /health and /health/readiness.
type HealthResponse struct {
	Status        HealthStatus           `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks    []DependencyCheck
	logger    *zap.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(logger *zap.Logger, version string, checks ...DependencyCheck) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

// Liveness reports that the process is serving requests.
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:        StatusHealthy,
		Timestamp:     time.Now(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

// Readiness pings every registered dependency.
func (h *HealthHandler) Readiness(c *gin.Context) {
	status, checks := h.run(c.Request.Context())

	statusCode := http.StatusOK
	switch status {
	case StatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
		h.logger.Warn("Readiness check failed", zap.Any("checks", checks))
	case StatusDegraded:
		h.logger.Warn("Service degraded", zap.Any("checks", checks))
	}

	c.JSON(statusCode, HealthResponse{
		Status:        status,
		Timestamp:     time.Now(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}

func (h *HealthHandler) run(ctx context.Context) (HealthStatus, map[string]CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	overall := StatusHealthy
	results := make(map[string]CheckResult, len(h.checks))
	for _, check := range h.checks {
		start := time.Now()
		err := check.Pinger.Ping(ctx)
		result := CheckResult{Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			result.Error = err.Error()
			if check.Critical {
				result.Status = StatusUnhealthy
				overall = StatusUnhealthy
			} else {
				result.Status = StatusDegraded
				if overall == StatusHealthy {
					overall = StatusDegraded
				}
			}
		}
		results[check.Name] = result
	}
	return overall, results
}
