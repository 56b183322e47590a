// Package server is the HTTP/WebSocket gateway: one echo instance serving
// chat, memory, admin, and observability endpoints over the shared envelope.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/netutil"

	"github.com/aviary-ai/aviary/ai/agents/orchestrator"
	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/memory"
	"github.com/aviary-ai/aviary/ai/metrics"
	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/ai/tracing"
	"github.com/aviary-ai/aviary/internal/profile"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels/httpchan"
	"github.com/aviary-ai/aviary/store"
)

const shutdownGrace = 5 * time.Second

// Dependencies carries the wired subsystems the gateway serves.
type Dependencies struct {
	Memory       *memory.Store
	Digest       *memory.DigestWriter
	Orchestrator *orchestrator.Orchestrator
	HTTPChannel  *httpchan.Channel
	Recorder     *store.Store
	Exporter     *metrics.Exporter
}

type Server struct {
	profile    *profile.Profile
	echoServer *echo.Echo

	memory       *memory.Store
	digest       *memory.DigestWriter
	orchestrator *orchestrator.Orchestrator
	httpChannel  *httpchan.Channel
	recorder     *store.Store
	exporter     *metrics.Exporter

	limiter    *rateLimiter
	signingKey []byte
	ws         *wsHub
	traces     tracing.Exporter

	startedAt time.Time
	ready     atomic.Bool
}

// NewServer wires the middleware pipeline and routes. It does not listen yet.
func NewServer(_ context.Context, p *profile.Profile, deps Dependencies) (*Server, error) {
	if p.AdminToken == "" && !p.DisableAdmin {
		return nil, aierrors.New(aierrors.ConfigInvalid, "ADMIN_TOKEN is required unless DISABLE_ADMIN=true")
	}

	limiter, err := newRateLimiter(p.RateLimitRPS, p.RateLimitBurst, p.RateLimitOverrides)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		profile:      p,
		echoServer:   e,
		memory:       deps.Memory,
		digest:       deps.Digest,
		orchestrator: deps.Orchestrator,
		httpChannel:  deps.HTTPChannel,
		recorder:     deps.Recorder,
		exporter:     deps.Exporter,
		limiter:      limiter,
		traces:       tracing.NewLogExporter(nil),
		startedAt:    time.Now(),
	}
	if p.AdminToken != "" {
		s.signingKey = deriveSigningKey(p.AdminToken)
	}
	s.ws = newWSHub(s)

	e.Use(
		s.recoverMiddleware(),
		s.traceMiddleware,
		s.metricsMiddleware,
		s.corsMiddleware(),
		s.adminAuthMiddleware,
		s.rateLimitMiddleware,
		s.bodyLimitMiddleware,
	)

	e.GET("/health", s.handleHealth)
	e.GET("/readiness", s.handleReadiness)
	e.POST("/chat", s.handleChat)
	e.POST("/memory/search", s.handleMemorySearch)
	e.POST("/memory/update", s.handleMemoryUpdate)
	e.GET("/ws", s.handleWS)
	e.GET("/metrics", echo.WrapHandler(s.metricsHandler()))

	e.POST("/admin/token", s.handleAdminToken)
	e.GET("/admin/stats", s.handleAdminStats)
	e.POST("/admin/cleanup", s.handleAdminCleanup)
	e.GET("/admin/memory/export", s.handleMemoryExport)
	e.GET("/admin/memory/feed", s.handleMemoryFeed)

	return s, nil
}

func (s *Server) metricsHandler() http.Handler {
	if s.exporter != nil {
		return s.exporter.Handler()
	}
	return http.NotFoundHandler()
}

// Echo exposes the underlying echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echoServer
}

// Start listens with a concurrency-capped listener and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return aierrors.Wrapf(err, aierrors.ConfigInvalid, "cannot bind %s", addr)
	}
	s.echoServer.Listener = netutil.LimitListener(listener, s.profile.MaxConcurrentRequests)

	s.ready.Store(true)
	logging.FromContext(ctx).Info("gateway listening",
		"addr", listener.Addr().String(), "mode", s.profile.Mode)
	return s.echoServer.Start("")
}

// Shutdown stops accepting connections, closes WebSocket clients, and drains
// in-flight requests within the grace period.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	s.ws.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		logging.FromContext(ctx).Error("gateway shutdown incomplete", "error", err)
	}
}
