package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/soullab/maia-voice/pkg/billing"
	"github.com/soullab/maia-voice/pkg/core/capture"
	"github.com/soullab/maia-voice/pkg/core/quota"
	"github.com/soullab/maia-voice/pkg/gateway/config"
	"github.com/soullab/maia-voice/pkg/gateway/handlers"
	"github.com/soullab/maia-voice/pkg/gateway/lifecycle"
	"github.com/soullab/maia-voice/pkg/gateway/mw"
	"github.com/soullab/maia-voice/pkg/gateway/ratelimit"
)

// Deps carries the domain components the HTTP surface exposes.
type Deps struct {
	Gate          *quota.Gate
	Captures      *capture.Service
	Resolver      billing.Resolver
	Conversations *handlers.Conversations
	// StorePing is nil for the in-memory store.
	StorePing handlers.Pinger
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps      Deps
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxLiveSessions:       cfg.LimitMaxLiveSessions,
		}),
		lifecycle: &lifecycle.Lifecycle{},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Store:     s.deps.StorePing,
	})

	s.mux.Handle("/v1/session/start", handlers.SessionStartHandler{
		Config:   s.cfg,
		Captures: s.deps.Captures,
		Logger:   s.logger,
	})
	s.mux.Handle("/v1/session/stop", handlers.SessionStopHandler{
		Config:   s.cfg,
		Captures: s.deps.Captures,
		Logger:   s.logger,
	})
	s.mux.Handle("/v1/session/status", handlers.SessionStatusHandler{
		Config:   s.cfg,
		Captures: s.deps.Captures,
		Logger:   s.logger,
	})

	s.mux.Handle("/v1/usage/check", handlers.UsageCheckHandler{
		Config:   s.cfg,
		Gate:     s.deps.Gate,
		Resolver: s.deps.Resolver,
		Logger:   s.logger,
	})
	s.mux.Handle("/v1/usage/summary", handlers.UsageSummaryHandler{
		Config: s.cfg,
		Gate:   s.deps.Gate,
		Logger: s.logger,
	})
	s.mux.Handle("/v1/usage/system", handlers.UsageSystemHandler{
		Config: s.cfg,
		Gate:   s.deps.Gate,
		Logger: s.logger,
	})

	s.mux.Handle("/v1/chat", handlers.ChatHandler{
		Config:        s.cfg,
		Conversations: s.deps.Conversations,
		Gate:          s.deps.Gate,
		Resolver:      s.deps.Resolver,
		Logger:        s.logger,
	})
	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:        s.cfg,
		Conversations: s.deps.Conversations,
		Gate:          s.deps.Gate,
		Resolver:      s.deps.Resolver,
		Logger:        s.logger,
		Limiter:       s.limiter,
		Lifecycle:     s.lifecycle,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Lifecycle exposes the shared drain state for shutdown coordination.
func (s *Server) Lifecycle() *lifecycle.Lifecycle {
	return s.lifecycle
}

// SetDraining flips readiness so load balancers stop sending new work.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
	if n := s.lifecycle.LiveSessions(); n > 0 {
		s.logger.Info("draining with live sessions open", "live_sessions", n)
	}
}

// WaitLiveSessions blocks until all live websocket sessions have ended or the
// context expires. Returns false on timeout.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.lifecycle.LiveSessions() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return s.lifecycle.LiveSessions() == 0
		case <-ticker.C:
		}
	}
}
