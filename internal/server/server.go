// Package server exposes the GADOS control plane over HTTP: the governance
// web UI, the form write routes, the /v1 JSON API and the SSE event stream.
package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/gados/internal/analytics"
	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/metrics"
	"github.com/alfredjeanlab/gados/internal/notify"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/presence"
	"github.com/alfredjeanlab/gados/internal/ratelimit"
	"github.com/alfredjeanlab/gados/internal/registry"
	"github.com/alfredjeanlab/gados/internal/scenario"
)

// Defaults applied by New.
const (
	DefaultMaxRequestBytes = 1 << 20
	defaultRateRPS         = 10
	defaultRateBurst       = 20
)

// Options wires a Server to the control-plane services. Project, Bus,
// Notifier, Runs, Registry and Scenarios are required; the rest default.
type Options struct {
	Project   paths.Project
	Bus       *bus.Service
	Notifier  *notify.Dispatcher
	Runs      *betarun.Store
	Registry  *registry.Registry
	Scenarios *scenario.Runner
	Presence  *presence.Tracker
	Analytics *analytics.Tracker
	Metrics   *metrics.Metrics
	Limiter   ratelimit.Limiter
	Hub       *EventHub
	Logger    *slog.Logger

	BasicAuthUser     string
	BasicAuthPassword string
	MaxRequestBytes   int64
	CORSAllowOrigins  []string
}

// Server serves the control plane.
type Server struct {
	project   paths.Project
	bus       *bus.Service
	notifier  *notify.Dispatcher
	runs      *betarun.Store
	registry  *registry.Registry
	scenarios *scenario.Runner
	presence  *presence.Tracker
	analytics *analytics.Tracker
	metrics   *metrics.Metrics
	limiter   ratelimit.Limiter
	hub       *EventHub
	logger    *slog.Logger

	authUser     string
	authPassword string
	maxBytes     int64
	corsOrigins  map[string]bool

	ready atomic.Bool
	now   func() time.Time
}

// New returns a Server. It starts in the STARTING state; call MarkReady once
// startup has completed.
func New(opts Options) *Server {
	s := &Server{
		project:      opts.Project,
		bus:          opts.Bus,
		notifier:     opts.Notifier,
		runs:         opts.Runs,
		registry:     opts.Registry,
		scenarios:    opts.Scenarios,
		presence:     opts.Presence,
		analytics:    opts.Analytics,
		metrics:      opts.Metrics,
		limiter:      opts.Limiter,
		hub:          opts.Hub,
		logger:       opts.Logger,
		authUser:     opts.BasicAuthUser,
		authPassword: opts.BasicAuthPassword,
		maxBytes:     opts.MaxRequestBytes,
		corsOrigins:  make(map[string]bool),
		now:          time.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemory(defaultRateRPS, defaultRateBurst)
	}
	if s.hub == nil {
		s.hub = NewEventHub()
	}
	if s.presence == nil && s.scenarios != nil {
		s.presence = s.scenarios.Presence
	}
	if s.presence == nil {
		s.presence = presence.New()
	}
	if s.scenarios != nil && s.scenarios.Presence == nil {
		s.scenarios.Presence = s.presence
	}
	if s.analytics == nil {
		s.analytics = analytics.New(s.metrics.Registry, nil, s.logger)
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxRequestBytes
	}
	for _, o := range opts.CORSAllowOrigins {
		if o != "" {
			s.corsOrigins[o] = true
		}
	}
	return s
}

// MarkReady flips /health from STARTING to READY.
func (s *Server) MarkReady() { s.ready.Store(true) }

// Ready reports whether startup has completed.
func (s *Server) Ready() bool { return s.ready.Load() }

// AuthEnabled reports whether write routes require Basic auth.
func (s *Server) AuthEnabled() bool { return s.authUser != "" && s.authPassword != "" }

// Handler returns the routed handler wrapped in the middleware chain,
// outermost first: recovery, request id, metrics/logging, CORS, body size,
// rate limit.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerPages(mux)
	s.registerForms(mux)
	s.registerAPI(mux)

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.limitBody(h)
	h = s.cors(h)
	h = s.observe(h)
	h = requestID(h)
	h = recovery(h)
	return h
}
