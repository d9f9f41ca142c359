package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tinchat/server/internal/v1/health"
	"github.com/tinchat/server/internal/v1/middleware"
	"github.com/tinchat/server/internal/v1/profilemanager"
	"github.com/tinchat/server/internal/v1/ratelimit"
)

// NewRouter builds the HTTP plane of spec.md §4.10: CORS preflight,
// correlation-id tagging, the per-remote-address rate limit, health
// probes, and the full friends/profile REST surface. limiter may be nil
// (rate limiting disabled, e.g. in tests). tracingServiceName is empty when
// OTEL_ENABLED is unset, skipping the otelgin span middleware entirely.
func NewRouter(mgr *profilemanager.Manager, healthHandler *health.Handler, limiter *ratelimit.Limiter, allowedOrigins []string, tracingServiceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if tracingServiceName != "" {
		r.Use(otelgin.Middleware(tracingServiceName))
	}
	r.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", middleware.HeaderXCorrelationID}
	r.Use(cors.New(corsCfg))

	if limiter != nil {
		r.Use(limiter.Middleware())
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health/live", healthHandler.Liveness)
	r.GET("/health/ready", healthHandler.Readiness)

	h := &friendsHandler{mgr: mgr}
	api := r.Group("/api/friends")
	{
		api.GET("/health", healthHandler.FriendsHealth)
		api.POST("/request/send", h.sendRequest)
		api.POST("/accept-request", h.acceptRequest)
		api.POST("/decline-request", h.declineRequest)
		api.POST("/remove", h.removeFriendship)
		api.POST("/status", h.friendshipStatus)
		api.POST("/search", h.searchProfiles)
		api.POST("/batch-status", h.batchStatus)
		api.POST("/block", h.block)
		api.POST("/unblock", h.unblock)
		api.GET("/:userId/friends", h.friendsList)
		api.GET("/:userId/requests", h.pendingRequests)
		api.GET("/:userId/blocked", h.blockedUsers)
		api.GET("/:userId/mutual", h.mutualFriends)
		api.GET("/:userId/stats", h.stats)
		api.GET("/:userId/suggestions", h.suggestions)
		api.GET("/:userId", h.friendsList)
	}

	return r
}
