package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"towerintel/internal/buildinfo"
	"towerintel/internal/intel"
	"towerintel/internal/logging"
	"towerintel/internal/model"
	"towerintel/internal/ratelimit"
)

const maxBodyBytes = 16 << 10

// IndexHandler handles GET /
func (s *Server) IndexHandler(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Frontier Tower Event Intelligence",
		"version": info.Version,
		"commit":  info.Commit,
		"endpoints": map[string]any{
			"health":    "/health",
			"readiness": "/api/health/ready",
			"metrics":   "/metrics",
			"intelligence": map[string]string{
				"floor_pulse":          "/api/floors/{floor_id}/pulse",
				"community_network":    "/api/community/network",
				"live_analytics":       "/api/analytics/live",
				"revenue_optimization": "/api/revenue/optimization",
				"bot_query":            "/api/bot/query",
			},
			"websocket": map[string]string{
				"tower_feed":  "/ws/tower-feed",
				"floor_pulse": "/ws/floor-pulse/{floor_id}",
			},
		},
	})
}

// HealthHandler handles GET /health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.Health{
		Status:    "healthy",
		Service:   buildinfo.Service,
		Version:   buildinfo.Version,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler handles GET /api/health/ready. Every check must pass.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	out := model.Readiness{Status: "ready", Checks: make(map[string]string, len(s.ready))}
	for _, c := range s.ready {
		if err := c.Probe(ctx); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("check", c.Name).Msg("readiness check failed")
			out.Checks[c.Name] = "unavailable"
			out.Status = "not_ready"
			continue
		}
		out.Checks[c.Name] = "ok"
	}
	status := http.StatusOK
	if out.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

// FloorPulseHandler handles GET /api/floors/{floor_id}/pulse
func (s *Server) FloorPulseHandler(w http.ResponseWriter, r *http.Request) {
	floor, err := strconv.Atoi(chi.URLParam(r, "floor_id"))
	if err != nil || !s.intel.ValidFloor(floor) {
		writeProblem(w, http.StatusNotFound, "Floor not found", "valid floors are 2, 4, 9, 15 and 16", r.URL.Path)
		return
	}
	res, err := s.intel.FloorPulse(r.Context(), identity(r).Subject, floor)
	s.respond(w, r, res, err)
}

// NetworkHandler handles GET /api/community/network?days=N
func (s *Server) NetworkHandler(w http.ResponseWriter, r *http.Request) {
	q := networkQuery{Days: 30}
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeProblem(w, http.StatusUnprocessableEntity, "Invalid query", "days must be an integer", r.URL.Path)
			return
		}
		q.Days = n
	}
	if err := validate.Struct(q); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid query", validationDetail(err), r.URL.Path)
		return
	}
	res, err := s.intel.Network(r.Context(), identity(r).Subject, q.Days)
	s.respond(w, r, res, err)
}

// LiveAnalyticsHandler handles GET /api/analytics/live
func (s *Server) LiveAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.intel.LiveAnalytics(r.Context(), identity(r).Subject)
	s.respond(w, r, res, err)
}

// RevenueHandler handles GET /api/revenue/optimization
func (s *Server) RevenueHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Features.RevenueOptimization {
		writeProblem(w, http.StatusForbidden, "Forbidden", "revenue optimization is disabled", r.URL.Path)
		return
	}
	res, err := s.intel.RevenueOptimization(r.Context(), identity(r).Subject)
	s.respond(w, r, res, err)
}

// BotQueryHandler handles POST /api/bot/query
func (s *Server) BotQueryHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Features.BotQuery {
		writeProblem(w, http.StatusForbidden, "Forbidden", "bot queries are disabled", r.URL.Path)
		return
	}
	var q model.BotQuery
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&q); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validate.Struct(q); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "Invalid bot query", validationDetail(err), r.URL.Path)
		return
	}
	res, err := s.intel.BotQuery(r.Context(), identity(r).Subject, q)
	s.respond(w, r, res, err)
}

// respond writes a query result or maps its error to a problem.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, res intel.Result, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setRateHeaders(w, res.RateLimit)
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeRaw(w, http.StatusOK, res.Body)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rl *intel.RateLimitError
	var se *intel.StoreError
	switch {
	case errors.As(err, &rl):
		setRateHeaders(w, rl.Decision)
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(rl.Decision.ResetAfter)))
		writeProblem(w, http.StatusTooManyRequests, "Rate limit exceeded", "limit for "+rl.Decision.Rule+" reached", r.URL.Path)
	case errors.Is(err, intel.ErrUnknownFloor):
		writeProblem(w, http.StatusNotFound, "Floor not found", err.Error(), r.URL.Path)
	case errors.As(err, &se):
		logging.Ctx(r.Context()).Error().Err(se.Err).Str("op", se.Op).Msg("store query failed")
		writeProblem(w, http.StatusInternalServerError, "Store query failed", se.Op, r.URL.Path)
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "", r.URL.Path)
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if !d.Matched {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetAfter)))
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
