// Package gateway dispatches inbound requests across the public endpoints,
// the proxy path, and the authenticated management surface.
//
// Dispatch order is fixed and first match wins: preflight, login, health,
// proxy attempt, bearer gate, management endpoints, 404. The proxy attempt
// runs before the bearer gate on purpose: backend routes carry their own
// credentials and never require a gateway session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avregw/internal/auth"
	"github.com/vyrodovalexey/avregw/internal/backend"
	"github.com/vyrodovalexey/avregw/internal/middleware"
	"github.com/vyrodovalexey/avregw/internal/observability"
	"github.com/vyrodovalexey/avregw/internal/proxy"
	"github.com/vyrodovalexey/avregw/internal/registry"
	"github.com/vyrodovalexey/avregw/internal/router"
)

// gatewayRoutes is the management surface advertised in 404 diagnostics.
var gatewayRoutes = []string{
	"/gateway",
	"/gateway/login",
	"/gateway/logout",
	"/gateway/health",
	"/gateway/status",
	"/gateway/routing",
	"/gateway/reload",
	"/gateway/probe",
	"/gateway/backends",
	"/gateway/users",
}

// UserLister fetches the user collection from the registry.
type UserLister interface {
	ListUsers(ctx context.Context) ([]registry.User, error)
}

// Handler is the top-level request dispatcher.
type Handler struct {
	cache        *backend.Cache
	router       *router.Router
	authn        *auth.Authenticator
	forwarder    *proxy.Forwarder
	prober       *backend.Prober
	users        UserLister
	loginLimiter *middleware.RateLimiter
	logger       observability.Logger
	version      string
}

// HandlerOption is a functional option for configuring the handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithLoginRateLimiter guards the login endpoint with a per-client limiter.
func WithLoginRateLimiter(rl *middleware.RateLimiter) HandlerOption {
	return func(h *Handler) {
		h.loginLimiter = rl
	}
}

// WithHandlerVersion sets the version reported by the service info endpoint.
func WithHandlerVersion(version string) HandlerOption {
	return func(h *Handler) {
		h.version = version
	}
}

// WithUserLister sets the source for the user management endpoint.
func WithUserLister(users UserLister) HandlerOption {
	return func(h *Handler) {
		h.users = users
	}
}

// New creates the gateway handler.
func New(
	cache *backend.Cache,
	rt *router.Router,
	authn *auth.Authenticator,
	forwarder *proxy.Forwarder,
	prober *backend.Prober,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		cache:     cache,
		router:    rt,
		authn:     authn,
		forwarder: forwarder,
		prober:    prober,
		logger:    observability.NopLogger(),
		version:   "dev",
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := r.URL.Path

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method == http.MethodPost && path == "/gateway/login" {
		h.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && path == "/gateway/health" {
		h.handleHealth(w)
		return
	}

	// Past the public endpoints, everything observes an up-to-date backend
	// view. Login and health stay ahead of this call so a stale cache never
	// stalls them on a registry fetch. EnsureFresh is a no-op within the TTL
	// and never fails the request.
	h.cache.EnsureFresh(ctx)

	// Backend routes are resolved before the session gate: proxied requests
	// authenticate against the backend with its own credential, never with a
	// gateway session. Management paths are exempt so a registered root
	// prefix cannot shadow them.
	if !isManagementPath(path) {
		b, err := h.router.FindBackend(path)
		if err == nil {
			h.forwarder.Forward(w, r, b, b.Prefix)
			return
		}
		if !errors.Is(err, router.ErrNoRoute) && !errors.Is(err, router.ErrNoHealthyBackend) {
			h.logger.Error("route resolution failed",
				observability.String("path", path),
				observability.Error(err),
			)
		}
	}

	if !h.authn.Validate(r.Header.Get("Authorization")) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "Unauthorized",
			"Valid Bearer token required. Use POST /gateway/login to obtain a token.")
		return
	}

	switch {
	case r.Method == http.MethodPost && path == "/gateway/logout":
		h.handleLogout(w, r)
	case r.Method == http.MethodGet && path == "/gateway/status":
		h.handleStatus(w)
	case r.Method == http.MethodGet && path == "/gateway/routing":
		h.handleRouting(w)
	case r.Method == http.MethodPost && path == "/gateway/reload":
		h.handleReload(ctx, w)
	case r.Method == http.MethodPost && path == "/gateway/probe":
		h.handleProbe(ctx, w)
	case r.Method == http.MethodGet && path == "/gateway/backends":
		h.handleBackends(w)
	case r.Method == http.MethodGet && path == "/gateway/users":
		h.handleUsers(ctx, w)
	case r.Method == http.MethodGet && (path == "/" || path == "/gateway"):
		h.handleInfo(w)
	default:
		h.writeNotFound(w, path)
	}
}

// isManagementPath reports whether a path belongs to the gateway itself and
// must never be proxied.
func isManagementPath(path string) bool {
	return path == "/" || path == "/gateway" || strings.HasPrefix(path, "/gateway/")
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.loginLimiter != nil && !h.loginLimiter.Allow(middleware.ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "Too Many Requests",
			"Login rate limit exceeded, try again later.")
		return
	}

	var creds loginRequest
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "Invalid JSON body")
		return
	}

	session, err := h.authn.Login(r.Context(), creds.Username, creds.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !h.authn.Logout(r.Header.Get("Authorization")) {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "Unknown token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (h *Handler) handleHealth(w http.ResponseWriter) {
	snap := h.cache.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": len(snap.Backends),
		"healthy":  countHealthy(snap),
		"cacheAge": h.cache.Age().Milliseconds(),
	})
}

type backendStatus struct {
	Name                string `json:"name"`
	URL                 string `json:"url"`
	Prefix              string `json:"prefix"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastCheck           string `json:"lastCheck"`
}

func (h *Handler) handleStatus(w http.ResponseWriter) {
	snap := h.cache.Snapshot()

	statuses := make([]backendStatus, 0, len(snap.Backends))
	forEachBackend(snap, func(b *backend.Backend) {
		lastCheck := "never"
		if t := b.LastCheck(); !t.IsZero() {
			lastCheck = t.UTC().Format(time.RFC3339)
		}
		statuses = append(statuses, backendStatus{
			Name:                b.Name,
			URL:                 b.URL,
			Prefix:              b.Prefix,
			Healthy:             b.Healthy(),
			ConsecutiveFailures: b.ConsecutiveFailures(),
			LastCheck:           lastCheck,
		})
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(snap.Backends),
		"healthy":  countHealthy(snap),
		"backends": statuses,
		"cacheAge": h.cache.Age().Milliseconds(),
	})
}

type routeInfo struct {
	Prefix   string   `json:"prefix"`
	Backends []string `json:"backends"`
}

func (h *Handler) handleRouting(w http.ResponseWriter) {
	snap := h.cache.Snapshot()

	routes := make([]routeInfo, 0, len(snap.Entries))
	for _, entry := range snap.Entries {
		routes = append(routes, routeInfo{Prefix: entry.Prefix, Backends: entry.Names})
	}

	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func (h *Handler) handleReload(ctx context.Context, w http.ResponseWriter) {
	if err := h.cache.Refresh(ctx); err != nil {
		writeError(w, http.StatusBadGateway, "Reload failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Backends reloaded",
		"backends": h.cache.Len(),
	})
}

func (h *Handler) handleProbe(ctx context.Context, w http.ResponseWriter) {
	snap := h.cache.Snapshot()
	healthy := h.prober.ProbeAll(ctx, snap)
	writeJSON(w, http.StatusOK, map[string]any{
		"probed":    len(snap.Backends),
		"healthy":   healthy,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type backendDetail struct {
	Name        string `json:"name"`
	Prefix      string `json:"prefix"`
	URL         string `json:"url"`
	HasToken    bool   `json:"hasToken"`
	TokenLength int    `json:"tokenLength"`
}

// handleBackends lists cached backends with credential presence only; the
// token itself never leaves the process.
func (h *Handler) handleBackends(w http.ResponseWriter) {
	snap := h.cache.Snapshot()

	details := make([]backendDetail, 0, len(snap.Backends))
	forEachBackend(snap, func(b *backend.Backend) {
		details = append(details, backendDetail{
			Name:        b.Name,
			Prefix:      b.Prefix,
			URL:         b.URL,
			HasToken:    b.Token != "",
			TokenLength: len(b.Token),
		})
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"backends":  details,
		"total":     len(snap.Backends),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleUsers(ctx context.Context, w http.ResponseWriter) {
	if h.users == nil {
		writeError(w, http.StatusNotImplemented, "Not Implemented", "User listing is not configured")
		return
	}

	users, err := h.users.ListUsers(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to fetch users", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users":     users,
		"total":     len(users),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type routeSummary struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	URL    string `json:"url"`
}

func (h *Handler) handleInfo(w http.ResponseWriter) {
	snap := h.cache.Snapshot()

	routes := make([]routeSummary, 0, len(snap.Backends))
	forEachBackend(snap, func(b *backend.Backend) {
		routes = append(routes, routeSummary{Name: b.Name, Prefix: b.Prefix, URL: b.URL})
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"service":      "avregw",
		"version":      h.version,
		"backends":     len(snap.Backends),
		"routes":       routes,
		"activeTokens": h.authn.ActiveSessions(),
		"endpoints": map[string]string{
			"login":    "POST /gateway/login (public)",
			"logout":   "POST /gateway/logout (requires token)",
			"health":   "GET /gateway/health (public)",
			"status":   "GET /gateway/status (requires token)",
			"routing":  "GET /gateway/routing (requires token)",
			"reload":   "POST /gateway/reload (requires token)",
			"probe":    "POST /gateway/probe (requires token)",
			"backends": "GET /gateway/backends (requires token)",
			"users":    "GET /gateway/users (requires token)",
			"info":     "GET / (requires token)",
		},
	})
}

func (h *Handler) writeNotFound(w http.ResponseWriter, path string) {
	snap := h.cache.Snapshot()

	prefixes := make([]string, 0, len(snap.Entries))
	for _, entry := range snap.Entries {
		prefixes = append(prefixes, entry.Prefix)
	}

	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":           "Route not found",
		"path":            path,
		"availableRoutes": prefixes,
		"gatewayRoutes":   gatewayRoutes,
	})
}

// forEachBackend visits backends in routing-entry order so responses are
// deterministic instead of following map iteration.
func forEachBackend(snap *backend.Snapshot, fn func(*backend.Backend)) {
	for _, entry := range snap.Entries {
		for _, name := range entry.Names {
			if b, ok := snap.Backends[name]; ok {
				fn(b)
			}
		}
	}
}

func countHealthy(snap *backend.Snapshot) int {
	healthy := 0
	for _, b := range snap.Backends {
		if b.Healthy() {
			healthy++
		}
	}
	return healthy
}
