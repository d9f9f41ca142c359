// Command server wires together the matchmaker, the session hub, the
// composed profile/friends/presence manager, and the HTTP plane into one
// process (spec.md §4, §6).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tinchat/server/internal/v1/auth"
	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/config"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/health"
	"github.com/tinchat/server/internal/v1/httpapi"
	"github.com/tinchat/server/internal/v1/matchmaker"
	"github.com/tinchat/server/internal/v1/profilemanager"
	"github.com/tinchat/server/internal/v1/ratelimit"
	"github.com/tinchat/server/internal/v1/session"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/tracing"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on process environment")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid environment configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		slog.Error("failed to open system of record", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var tracerProvider *sdktrace.TracerProvider
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), cfg.OtelServiceName, cfg.OtelCollectorURL)
		if err != nil {
			slog.Error("failed to initialize tracer provider, continuing without tracing", "error", err)
		} else {
			tracerProvider = tp
		}
	}

	var busClient *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		busClient, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("failed to connect to remote key-value store", "error", err)
			os.Exit(1)
		}
		defer busClient.Close()
		busClient.StartHealthProbe(context.Background(), 30*time.Second)
		redisClient = busClient.Client()
	} else {
		slog.Info("REDIS_ENABLED not set, running with in-process caching only")
	}

	verifier := buildIdentityVerifier(cfg)

	mgr := profilemanager.New(st, busClient)
	mgr.Start()

	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	mgr.WarmStartup(startupCtx)
	cancel()

	matcher := matchmaker.New(busClient)
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 10*time.Second)
	matcher.RestoreFromMirror(restoreCtx, resolveMirroredUser)
	restoreCancel()

	allowedOrigins := splitOrigins(cfg.AllowedOrigins)
	hub := session.NewHub(verifier, matcher, mgr.Profiles, mgr.Presence, busClient, allowedOrigins)
	hub.Start()

	var limiter *ratelimit.Limiter
	limiter, err = ratelimit.New(cfg, redisClient)
	if err != nil {
		slog.Error("failed to build rate limiter", "error", err)
		os.Exit(1)
	}

	tracingServiceName := ""
	if tracerProvider != nil {
		tracingServiceName = cfg.OtelServiceName
	}

	healthHandler := health.NewHandler(st, busClient)
	router := httpapi.NewRouter(mgr, healthHandler, limiter, allowedOrigins, tracingServiceName)
	router.GET("/ws", hub.ServeWs)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("tinchat server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server exited unexpectedly", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shut down", "error", err)
	}

	hub.Stop()
	onlineUserIDs := hub.ConnectedHistoryKeys()
	if err := mgr.Shutdown(onlineUserIDs); err != nil {
		slog.Error("profile manager shutdown reported an error", "error", err)
	}

	if tracerProvider != nil {
		tpShutdownCtx, tpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracerProvider.Shutdown(tpShutdownCtx); err != nil {
			slog.Error("tracer provider shutdown reported an error", "error", err)
		}
		tpCancel()
	}

	slog.Info("shutdown complete")
}

// resolveMirroredUser is the matchmaker's RestoreFromMirror callback for
// this single-process deployment. A mirrored history key only ever
// resolves to a live session on whichever instance still holds that
// socket; this process holds none of them at startup, so it always
// reports "not found" rather than guessing at a replacement.
func resolveMirroredUser(historyKey string) (*domain.User, bool) {
	return nil, false
}

// buildIdentityVerifier builds the identity verifier per spec.md §4.3. A
// configured identity provider gets a real JWKS validator. SKIP_AUTH
// installs auth.MockValidator, which accepts any JWT-shaped credential
// without checking its signature. With no provider and no SKIP_AUTH every
// credential is rejected, so every socket continues anonymously (spec.md
// §6's "absent -> anonymous-only sessions" degraded mode).
func buildIdentityVerifier(cfg *config.Config) *auth.IdentityVerifier {
	if cfg.SkipAuth {
		if cfg.DevelopmentMode {
			slog.Warn("authentication disabled: running with MockValidator, do not use in production")
		}
		return auth.NewIdentityVerifier(&auth.MockValidator{})
	}
	if cfg.IdentityProviderDomain == "" {
		slog.Info("no identity provider configured, sessions are anonymous-only")
		return auth.NewIdentityVerifier(anonymousOnlyValidator{})
	}

	validator, err := auth.NewValidator(context.Background(), cfg.IdentityProviderDomain, cfg.IdentityProviderAudience)
	if err != nil {
		slog.Error("failed to initialize identity provider validator", "error", err)
		os.Exit(1)
	}
	return auth.NewIdentityVerifier(validator)
}

// anonymousOnlyValidator rejects every credential; it backs the verifier
// when no identity provider is configured.
type anonymousOnlyValidator struct{}

func (anonymousOnlyValidator) ValidateToken(string) (*auth.CustomClaims, error) {
	return nil, errors.New("no identity provider configured")
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
