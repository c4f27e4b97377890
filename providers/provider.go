package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the upstream identity provider this server delegates
// authentication to. The server acts as an OAuth client towards it with its
// own client ID, callback URL and PKCE pair.
type Provider interface {
	// Name returns the provider name used in logs and metrics.
	Name() string

	// AuthorizationURL builds the upstream authorize URL. codeChallenge is
	// this server's own S256 challenge, never the MCP client's.
	AuthorizationURL(state, codeChallenge string, scopes []string) string

	// ExchangeCode exchanges an upstream authorization code using the
	// server's stored PKCE verifier. Errors are classified with
	// ClassifyExchangeError.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshToken redeems an upstream refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider. Providers without a
	// revocation endpoint return nil.
	RevokeToken(ctx context.Context, token string) error
}
