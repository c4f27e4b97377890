package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
)

// RefreshPolicy selects how refresh_token grants are handled.
type RefreshPolicy string

const (
	// RefreshRotate exchanges the upstream refresh token and issues a new
	// local pair, invalidating the presented refresh token.
	RefreshRotate RefreshPolicy = "rotate"

	// RefreshDisabled fails every refresh grant with unsupported_grant_type
	// and issues no refresh tokens.
	RefreshDisabled RefreshPolicy = "disabled"
)

// TokenMode selects what the server hands to MCP clients as access tokens.
type TokenMode string

const (
	// TokenModeOpaque mints random local tokens mapped to upstream tokens.
	TokenModeOpaque TokenMode = "opaque"

	// TokenModeUpstreamJWT passes the upstream ES512 JWT through; bearer
	// validation is done by the JWT verifier and nothing is stored.
	TokenModeUpstreamJWT TokenMode = "upstream_jwt"
)

// DefaultAlwaysPresentScopes are requested from the upstream provider on
// every authorization regardless of what the client asked for.
var DefaultAlwaysPresentScopes = []string{
	"openid",
	"profile",
	"email",
	"phone",
	"address",
	"offline_access",
}

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// JWKSURI is advertised in the metadata document. In upstream_jwt mode
	// it is the upstream provider's key set.
	JWKSURI string

	// PendingAuthorizationTTL bounds how long the server waits for the
	// upstream callback after /authorize.
	PendingAuthorizationTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// AlwaysPresentScopes are unioned into every upstream scope request.
	AlwaysPresentScopes []string

	// SupportedScopes lists the scopes clients may request.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// RefreshPolicy is one policy for the whole deployment.
	// Default: RefreshRotate
	RefreshPolicy RefreshPolicy

	// TokenMode. Default: TokenModeOpaque
	TokenMode TokenMode

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}

// applyDefaults fills zero values and validates enumerations.
func applyDefaults(config *Config, logger *slog.Logger) (*Config, error) {
	if config.PendingAuthorizationTTL == 0 {
		config.PendingAuthorizationTTL = 600
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000
	}
	if len(config.AlwaysPresentScopes) == 0 {
		config.AlwaysPresentScopes = slices.Clone(DefaultAlwaysPresentScopes)
	}
	if config.RefreshPolicy == "" {
		config.RefreshPolicy = RefreshRotate
	}
	if config.TokenMode == "" {
		config.TokenMode = TokenModeOpaque
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	switch config.RefreshPolicy {
	case RefreshRotate, RefreshDisabled:
	default:
		return nil, fmt.Errorf("unknown refresh policy %q", config.RefreshPolicy)
	}
	switch config.TokenMode {
	case TokenModeOpaque, TokenModeUpstreamJWT:
	default:
		return nil, fmt.Errorf("unknown token mode %q", config.TokenMode)
	}

	if config.Issuer != "" {
		u, err := url.Parse(config.Issuer)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid issuer URL %q", config.Issuer)
		}
		if u.Scheme == "http" && !isLocalhostHostname(u.Hostname()) {
			logger.Warn("Issuer uses plain HTTP on a non-loopback host",
				"issuer", config.Issuer,
				"risk", "tokens and codes exposed to interception")
		}
	}

	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return config, nil
}

// CallbackURL is where the upstream provider redirects after login.
func (c *Config) CallbackURL() string {
	return c.Issuer + "/callback"
}
