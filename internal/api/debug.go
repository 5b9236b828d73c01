package api

import (
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"towerintel/internal/buildinfo"
	"towerintel/internal/logging"
)

// DebugHandler handles GET /api/debug (admin only): build info, the
// effective configuration with secrets redacted, and live connection counts.
func (s *Server) DebugHandler(w http.ResponseWriter, r *http.Request) {
	if !identity(r).IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin role required", r.URL.Path)
		return
	}
	info := map[string]any{
		"build": buildinfo.Get(),
		"time":  s.now().UTC().Format(time.RFC3339),
	}
	if raw, err := s.cfg.YAML(); err == nil {
		var cfg map[string]any
		if err := yaml.Unmarshal(raw, &cfg); err == nil {
			info["config"] = cfg
		}
	} else {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("render config")
	}
	if s.hub != nil {
		info["connections"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, info)
}
