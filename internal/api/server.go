// Package api serves the intelligence endpoints and the live WebSocket feeds.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"towerintel/internal/auth"
	"towerintel/internal/config"
	"towerintel/internal/hub"
	"towerintel/internal/intel"
	"towerintel/internal/metrics"
)

// Check is one readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Config *config.Config
	Intel  *intel.Service
	Hub    *hub.Manager
	Auth   *auth.Verifier
	Ready  []Check
}

type Server struct {
	cfg      *config.Config
	intel    *intel.Service
	hub      *hub.Manager
	auth     *auth.Verifier
	ready    []Check
	upgrader websocket.Upgrader
	router   chi.Router
	now      func() time.Time
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:   d.Config,
		intel: d.Intel,
		hub:   d.Hub,
		auth:  d.Auth,
		ready: d.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(recoverer)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path, r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", r.Method+" is not supported here", r.URL.Path)
	})

	r.Get("/", s.IndexHandler)
	r.Get("/health", s.HealthHandler)
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(instrument)
		r.Get("/health/ready", s.ReadyHandler)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/floors/{floor_id}/pulse", s.FloorPulseHandler)
			r.Get("/community/network", s.NetworkHandler)
			r.Get("/analytics/live", s.LiveAnalyticsHandler)
			r.Get("/revenue/optimization", s.RevenueHandler)
			r.Post("/bot/query", s.BotQueryHandler)
			r.Get("/debug", s.DebugHandler)
		})
	})

	if s.cfg.Features.WebSocket {
		r.Route("/ws", func(r chi.Router) {
			if n := s.cfg.WS.HandshakesPerMinute; n > 0 {
				r.Use(httprate.Limit(n, time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
					httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
						writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "handshake rate exceeded", r.URL.Path)
					}),
				))
			}
			r.Get("/tower-feed", s.TowerFeedWSHandler)
			r.Get("/floor-pulse/{floor_id}", s.FloorPulseWSHandler)
		})
	}
	return r
}
