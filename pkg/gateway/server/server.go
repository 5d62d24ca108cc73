package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-host/pkg/core/session"
	"github.com/vango-go/vai-host/pkg/gateway/calls"
	"github.com/vango-go/vai-host/pkg/gateway/config"
	"github.com/vango-go/vai-host/pkg/gateway/handlers"
	"github.com/vango-go/vai-host/pkg/gateway/mw"
	"github.com/vango-go/vai-host/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-host/pkg/metrics"
)

// Deps are the call services the HTTP surface routes into.
type Deps struct {
	Services  *session.Services
	Metrics   *metrics.Metrics
	Validator mw.SignatureValidator
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	services  *session.Services
	metrics   *metrics.Metrics
	validator mw.SignatureValidator
	limiter   *ratelimit.Limiter
	calls     *calls.Tracker
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		services:  deps.Services,
		metrics:   deps.Metrics,
		validator: deps.Validator,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.CallerRPS,
			Burst: cfg.CallerBurst,
		}),
		calls: calls.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	var manager *session.Manager
	if s.services != nil {
		manager = s.services.Manager
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Tracker: s.calls, Manager: manager})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux.Handle("/voice/incoming", handlers.IncomingHandler{
		Config:  s.cfg,
		Manager: manager,
		Tracker: s.calls,
		Metrics: s.metrics,
		Logger:  s.logger,
	})
	s.mux.Handle("/voice/status", handlers.StatusHandler{
		Manager: manager,
		Logger:  s.logger,
	})
	s.mux.Handle("/voice/media", handlers.MediaHandler{
		Config:   s.cfg,
		Services: s.services,
		Tracker:  s.calls,
		Metrics:  s.metrics,
		Logger:   s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CallerRateLimit(s.limiter, s.onCallerLimited, s.logger, h)
	h = mw.TwilioSignature(s.cfg, s.validator, s.logger, h)
	h = mw.Recover(s.logger, h)
	h = mw.Instrument(s.metrics, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) onCallerLimited() {
	if s.metrics != nil {
		s.metrics.RecordRejection("caller_rate_limit")
	}
}

// SetDraining stops new calls from being admitted. Calls already streaming
// are left alone.
func (s *Server) SetDraining(draining bool) { s.calls.SetDraining(draining) }

// ActiveCalls is the number of calls running, including calls waiting for
// their media stream to reconnect.
func (s *Server) ActiveCalls() int { return s.calls.Count() }

// WaitCalls blocks until every call has ended or ctx is done. It reports
// whether all calls finished.
func (s *Server) WaitCalls(ctx context.Context) bool { return s.calls.Wait(ctx) }

// CancelCalls ends every live call and returns how many it stopped.
func (s *Server) CancelCalls() int { return s.calls.CancelAll() }
