// Package oauth serves the authorization server over HTTP. Handler adapts
// requests to server.Server; Routes mounts the discovery, registration,
// authorize, callback, token, revoke, health and metrics endpoints on a chi
// router, and ValidateToken protects MCP resources with the issued tokens.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/internal/util"
	"github.com/singlestore-labs/mcp-oauth/security"
	"github.com/singlestore-labs/mcp-oauth/server"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

// maxRegistrationBodyBytes bounds the /register request body.
const maxRegistrationBodyBytes = 64 << 10

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer

	instrumentation *instrumentation.Instrumentation
	rateLimiter     *security.RateLimiter
	healthChecks    map[string]HealthCheck
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:       srv,
		logger:       logger,
		tracer:       noop.NewTracerProvider().Tracer(""),
		healthChecks: make(map[string]HealthCheck),
	}
}

// SetInstrumentation enables HTTP spans, request metrics and /metrics.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// SetRateLimiter enables per-IP rate limiting on /register, /authorize and /token.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// AddHealthCheck registers a named dependency check for /health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.healthChecks[name] = check
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) log(r *http.Request) *slog.Logger {
	return security.LoggerWithRequestID(r.Context(), h.logger)
}

// ServeMetadata serves the authorization server metadata. It answers both
// /.well-known/openid-configuration and /.well-known/oauth-authorization-server.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.server.Metadata())
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.client_registration")
	defer span.End()
	clientIP := h.clientIP(r)

	var req ClientRegistrationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegistrationBodyBytes)).Decode(&req); err != nil {
		instrumentation.SetSpanError(span, "invalid JSON")
		writeError(w, NewOAuthError(ErrorCodeInvalidClientMetadata, "request body must be a JSON object", http.StatusBadRequest))
		return
	}

	client, secret, err := h.server.RegisterClient(ctx, server.ClientRegistration{
		ClientID:                req.ClientID,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
	}, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		if _, ok := server.IsRegistrationError(err); !ok {
			h.log(r).Error("Failed to register client", "ip", clientIP, "error", err)
		}
		writeError(w, toOAuthError(err))
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)

	writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	})
}

// ServeAuthorization handles OAuth authorization requests. Success is a 302
// to the upstream provider. Errors go back to the client's redirect URI when
// it is known to be registered, otherwise they are a direct 400.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorization")
	defer span.End()

	q := r.URL.Query()
	req := server.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	authURL, err := h.server.Authorize(ctx, req, h.clientIP(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		ae, ok := server.IsAuthorizeError(err)
		if !ok {
			h.log(r).Error("Authorization failed", "client_id", req.ClientID, "error", err)
			writeError(w, ErrServerError("authorization failed"))
			return
		}
		if ae.Redirectable() {
			if target, rerr := server.ErrorRedirectURL(ae); rerr == nil {
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
		}
		writeError(w, toOAuthError(ae))
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the upstream provider redirect back to this server.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.callback")
	defer span.End()

	q := r.URL.Query()
	target, err := h.server.HandleCallback(ctx, server.CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrInvalidState) {
			writeError(w, ErrInvalidRequest("state is unknown or expired"))
			return
		}
		h.log(r).Error("Failed to handle callback", "error", err)
		writeError(w, ErrServerError("authorization failed"))
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		writeError(w, ErrInvalidRequest("failed to parse request body"))
		return
	}
	clientIP := h.clientIP(r)
	grantType := r.PostFormValue("grant_type")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))

	var (
		resp *server.TokenResponse
		err  error
	)
	switch grantType {
	case server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken:
		var client *storage.Client
		client, err = h.authenticateClient(ctx, r)
		if err != nil {
			break
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
		if grantType == server.GrantTypeAuthorizationCode {
			resp, err = h.server.ExchangeAuthorizationCode(ctx, client, server.CodeExchangeRequest{
				Code:         r.PostFormValue("code"),
				RedirectURI:  r.PostFormValue("redirect_uri"),
				CodeVerifier: r.PostFormValue("code_verifier"),
			}, clientIP)
		} else {
			resp, err = h.server.ExchangeRefreshToken(ctx, client, r.PostFormValue("refresh_token"),
				util.ParseScope(r.PostFormValue("scope")), clientIP)
		}
	case "":
		err = ErrInvalidRequest("grant_type is required")
	default:
		err = ErrUnsupportedGrantType("grant_type " + grantType + " is not supported")
	}

	if err != nil {
		instrumentation.RecordError(span, err)
		oe := toOAuthError(err)
		if oe.Status >= http.StatusInternalServerError {
			h.log(r).Error("Token request failed", "grant_type", grantType, "ip", clientIP, "error", err)
		} else {
			h.log(r).Info("Token request rejected", "grant_type", grantType, "ip", clientIP, "error", oe.Code)
		}
		writeError(w, oe)
		return
	}

	instrumentation.SetSpanSuccess(span)
	writeJSON(w, http.StatusOK, resp)
}

// authenticateClient reads client credentials from HTTP Basic or the form
// body. Public clients send only client_id.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request) (*storage.Client, error) {
	clientID, secret, basic := r.BasicAuth()
	if !basic {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	return h.server.AuthenticateClient(ctx, clientID, secret)
}

// ServeTokenRevocation handles RFC 7009 revocation. The caller authenticates
// like at the token endpoint. Once authenticated the response is always 200,
// so callers cannot learn which tokens exist.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_revocation")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		writeError(w, ErrInvalidRequest("failed to parse request body"))
		return
	}
	clientIP := h.clientIP(r)

	client, err := h.authenticateClient(ctx, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		oe := toOAuthError(err)
		h.log(r).Info("Revocation request rejected", "ip", clientIP, "error", oe.Code)
		writeError(w, oe)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	h.server.RevokeToken(ctx, client.ClientID, r.PostFormValue("token"), r.PostFormValue("token_type_hint"), clientIP)
	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ServeHealth runs the registered checks; any failure is a 503.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	for name, check := range h.healthChecks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.healthChecks))
		}
		if err := check(ctx); err != nil {
			h.log(r).Warn("Health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
