package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/common"
)

// StatusHandler serves the health and version endpoints of every role
type StatusHandler struct {
	role    string
	started time.Time
	logger  arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(role string, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		role:    role,
		started: time.Now(),
		logger:  logger,
	}
}

// HealthHandler handles GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"role":               h.role,
		"uptime":             time.Since(h.started).Round(time.Second).String(),
		"goroutines_spawned": common.GetGoroutineCount(),
	})
}

// VersionHandler handles GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"full":    common.GetFullVersion(),
	})
}
