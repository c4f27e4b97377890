package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/singlestore-labs/mcp-oauth/analytics"
	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/providers"
	"github.com/singlestore-labs/mcp-oauth/security"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

// TokenVerifier validates upstream JWTs in TokenModeUpstreamJWT.
// *verifier.Verifier implements it.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*storage.AccessToken, error)
}

// IdentityResolver maps an upstream access token to a user ID.
// *analytics.IdentityResolver implements it.
type IdentityResolver interface {
	Resolve(ctx context.Context, upstreamToken string) (string, error)
	Forget(upstreamToken string)
}

// Server implements the OAuth 2.1 authorization server core. It is an
// authorization server to MCP clients and an OAuth client of the upstream
// provider, with separate state and PKCE contexts for each side.
type Server struct {
	provider providers.Provider
	store    storage.Store

	verifier  TokenVerifier
	identity  IdentityResolver
	analytics analytics.Sink

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a new OAuth server
func New(provider providers.Provider, store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config, err := applyDefaults(config, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		provider:  provider,
		store:     store,
		analytics: analytics.NoopSink{},
		Config:    config,
		Logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer(""),
		now:       time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetVerifier sets the JWT verifier used in TokenModeUpstreamJWT.
func (s *Server) SetVerifier(v TokenVerifier) {
	s.verifier = v
}

// SetAnalytics enables identify calls on successful token loads.
func (s *Server) SetAnalytics(resolver IdentityResolver, sink analytics.Sink) {
	s.identity = resolver
	if sink == nil {
		sink = analytics.NoopSink{}
	}
	s.analytics = sink
}

// SetInstrumentation enables tracing and metrics.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetClock overrides the time source. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Store returns the backing store.
func (s *Server) Store() storage.Store {
	return s.store
}

func (s *Server) ttl(seconds int64) time.Time {
	return s.now().Add(time.Duration(seconds) * time.Second)
}

// generateRandomToken returns 32 random bytes, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
