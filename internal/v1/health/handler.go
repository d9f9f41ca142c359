// Package health exposes the liveness/readiness probes and the
// friends-surface health endpoint (spec.md §4.10, §6 "GET /api/friends/health").
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/store"
)

// Handler manages health check endpoints over the store and the KV bus.
type Handler struct {
	store *store.Store
	bus   *bus.Service
}

// NewHandler creates a health handler. st and busClient may be nil: a nil
// store is reported unhealthy (the system of record is mandatory for the
// friends surface); a nil bus is reported healthy (spec.md §6 "remote
// key-value... absent -> in-process only", a degraded but valid mode).
func NewHandler(st *store.Store, busClient *bus.Service) *Handler {
	return &Handler{store: st, bus: busClient}
}

// LivenessResponse is the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live: 200 whenever the process can answer,
// with no dependency checks (spec.md §7 "the core never lets a background
// task take down the server").
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 only if the store and (when
// configured) the bus are both reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": h.checkStore(ctx)}
	allHealthy := checks["database"] == "healthy"

	if h.bus != nil {
		checks["redis"] = h.checkBus(ctx)
		if checks["redis"] != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// FriendsHealth handles GET /api/friends/health, reporting the bit-exact
// envelope of spec.md §6: {database, redis, overall, performance}.
func (h *Handler) FriendsHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	start := time.Now()
	database := h.checkStore(ctx)
	redis := "disabled"
	if h.bus != nil {
		redis = h.checkBus(ctx)
	}

	overall := "healthy"
	statusCode := http.StatusOK
	if database != "healthy" || redis == "unhealthy" {
		overall = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"database": database,
		"redis":    redis,
		"overall":  overall,
		"performance": gin.H{
			"checkDurationMs": time.Since(start).Milliseconds(),
		},
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "unhealthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBus(ctx context.Context) string {
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
