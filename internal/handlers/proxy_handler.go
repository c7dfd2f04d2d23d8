package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/models"
	"github.com/ternarybob/spindle/internal/services/proxy"
)

// ProxyService defines the methods needed from the proxy manager
type ProxyService interface {
	GetProxyList(count int, detail bool) models.ProxyListReply
	AddProxies(ctx context.Context, addrs []string) (int, error)
	Stats() proxy.Stats
}

// ProxyHandler serves the agent proxy API
type ProxyHandler struct {
	service ProxyService
	logger  arbor.ILogger
}

// NewProxyHandler creates a new ProxyHandler
func NewProxyHandler(service ProxyService, logger arbor.ILogger) *ProxyHandler {
	return &ProxyHandler{
		service: service,
		logger:  logger,
	}
}

// GetProxiesHandler handles GET /api/proxies?count=&detail=
func (h *ProxyHandler) GetProxiesHandler(w http.ResponseWriter, r *http.Request) {
	count := QueryInt(r, "count", 0)
	if count < 0 {
		WriteError(w, http.StatusBadRequest, "count must not be negative")
		return
	}
	WriteJSON(w, http.StatusOK, h.service.GetProxyList(count, QueryBool(r, "detail")))
}

// AddProxiesHandler handles POST /api/proxies
func (h *ProxyHandler) AddProxiesHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AddProxiesRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	added, err := h.service.AddProxies(r.Context(), req.Proxies)
	if err != nil {
		h.logger.Warn().Err(err).Int("added", added).Msg("Some proxies could not be added")
	}
	WriteJSON(w, http.StatusOK, map[string]int{"added": added})
}

// StatsHandler handles GET /api/proxies/stats
func (h *ProxyHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.service.Stats())
}
