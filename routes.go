package oauth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/singlestore-labs/mcp-oauth/security"
)

// Endpoint paths served by Routes.
const (
	PathOpenIDConfiguration = "/.well-known/openid-configuration"
	PathAuthServerMetadata  = "/.well-known/oauth-authorization-server"
	PathRegister            = "/register"
	PathAuthorize           = "/authorize"
	PathCallback            = "/callback"
	PathToken               = "/token"
	PathRevoke              = "/revoke"
	PathHealth              = "/health"
	PathMetrics             = "/metrics"
)

// Routes returns a router with all OAuth endpoints registered. Every
// response carries security headers and an X-Request-ID.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(security.SecurityHeadersMiddleware(h.server.Config.Issuer))
	r.Use(h.recordHTTPMetrics)

	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)

	r.Get(PathHealth, h.ServeHealth)
	if h.instrumentation != nil {
		r.Method(http.MethodGet, PathMetrics, h.instrumentation.MetricsHandler())
	}
	return r
}

// WellKnownRoutes registers both discovery paths on r.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(PathOpenIDConfiguration, h.ServeMetadata)
	r.Get(PathAuthServerMetadata, h.ServeMetadata)
}

// OAuthRoutes registers the flow endpoints on r. Everything except the
// upstream callback is rate limited per client IP when a limiter is set.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.rateLimiter != nil {
			r.Use(h.rateLimiter.Middleware(h.clientIP, h.onRateLimited))
		}
		r.Post(PathRegister, h.ServeClientRegistration)
		r.Get(PathAuthorize, h.ServeAuthorization)
		r.Post(PathToken, h.ServeToken)
		r.Post(PathRevoke, h.ServeTokenRevocation)
	})
	r.Get(PathCallback, h.ServeCallback)
}

func (h *Handler) onRateLimited(r *http.Request, clientIP string) {
	h.log(r).Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
	}
}

// recordHTTPMetrics records request count and duration per route pattern.
func (h *Handler) recordHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.instrumentation == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint,
			status, float64(time.Since(start).Microseconds())/1000)
	})
}
