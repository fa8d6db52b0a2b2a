// Package admin provides admin API endpoints for runtime inspection and
// control of breaker and limiter state. All endpoints are protected by IP
// allowlist; the breaker reset endpoint additionally requires a JWT bearer
// token with the admin scope.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/dskow/callguard/breaker"
	"github.com/dskow/callguard/internal/auth"
	"github.com/dskow/callguard/internal/config"
	"github.com/dskow/callguard/ratelimit"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	registry    *breaker.Registry
	limiter     *ratelimit.AdaptiveLimiter
	adminCfg    config.AdminConfig
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	reloader ConfigProvider,
	registry *breaker.Registry,
	limiter *ratelimit.AdaptiveLimiter,
	adminCfg config.AdminConfig,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(adminCfg.IPAllowlist))
	for _, cidr := range adminCfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		registry:    registry,
		limiter:     limiter,
		adminCfg:    adminCfg,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	requireToken := auth.Require(h.adminCfg, auth.ScopeAdmin, h.logger)

	mux.HandleFunc("GET /admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("GET /admin/breakers/{name}", h.guard(h.breakerHandler))
	mux.HandleFunc("POST /admin/breakers/{name}/reset", h.guard(requireToken(h.resetHandler)))
	mux.HandleFunc("GET /admin/limiter", h.guard(h.limiterHandler))
	mux.HandleFunc("GET /admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": h.registry.Status()})
}

func (h *Handler) breakerHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok := h.registry.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "breaker not found",
			"name":  name,
		})
		return
	}
	writeJSON(w, http.StatusOK, b.Status())
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.registry.Reset(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "breaker not found",
			"name":  name,
		})
		return
	}

	h.logger.Info("breaker reset via admin API", "breaker", name, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{
		"name":  name,
		"state": breaker.StateClosed.String(),
	})
}

func (h *Handler) limiterHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.limiter.Status())
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Admin.JWTSecret != "" {
		redacted.Admin.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
