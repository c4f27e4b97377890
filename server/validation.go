package server

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/singlestore-labs/mcp-oauth/internal/util"
	"github.com/singlestore-labs/mcp-oauth/pkce"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

// maxRedirectURIs bounds the registration payload.
const maxRedirectURIs = 20

// DangerousSchemes lists URI schemes that must never be allowed as redirect targets.
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validateRedirectURIsForRegistration requires at least one redirect URI and
// every entry to be an absolute URI with scheme and host and no fragment.
func validateRedirectURIsForRegistration(uris []string) error {
	if len(uris) == 0 {
		return redirectURIError("redirect_uris is required")
	}
	if len(uris) > maxRedirectURIs {
		return redirectURIError(fmt.Sprintf("at most %d redirect_uris are allowed", maxRedirectURIs))
	}
	for _, raw := range uris {
		if err := validateRedirectURI(raw); err != nil {
			return redirectURIError(fmt.Sprintf("%s: %v", raw, err))
		}
	}
	return nil
}

func validateRedirectURI(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("empty redirect URI")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URI")
	}
	if u.Scheme == "" {
		return fmt.Errorf("must be absolute")
	}
	if slices.Contains(DangerousSchemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	if u.Fragment != "" {
		return fmt.Errorf("must not include a fragment")
	}
	return nil
}

// resolveRedirectURI picks the redirect URI for an authorize request. An
// explicit URI must be registered. Without one, a client with exactly one
// registered URI uses it.
func resolveRedirectURI(client *storage.Client, requested string) (uri string, explicit bool, err error) {
	if requested != "" {
		if !client.HasRedirectURI(requested) {
			return "", true, authorizeError(ErrorCodeInvalidRequest, "redirect_uri is not registered for this client")
		}
		return requested, true, nil
	}
	if len(client.RedirectURIs) == 1 {
		return client.RedirectURIs[0], false, nil
	}
	return "", false, authorizeError(ErrorCodeInvalidRequest, "redirect_uri is required")
}

// Bounds on a single scope request.
const (
	maxScopes      = 50
	maxScopeLength = 256
)

// validateScopes bounds the request and checks it against
// Config.SupportedScopes when that is set.
func (s *Server) validateScopes(scopes []string) error {
	if len(scopes) > maxScopes {
		return fmt.Errorf("too many scopes (max %d, got %d)", maxScopes, len(scopes))
	}
	for _, scope := range scopes {
		if len(scope) > maxScopeLength {
			return fmt.Errorf("scope exceeds maximum length of %d characters", maxScopeLength)
		}
		if len(s.Config.SupportedScopes) > 0 && !slices.Contains(s.Config.SupportedScopes, scope) {
			return fmt.Errorf("unsupported scope: %s", scope)
		}
	}
	return nil
}

// upstreamScopes is the always-present set unioned with the client's request.
func (s *Server) upstreamScopes(requested []string) []string {
	return util.UnionScopes(s.Config.AlwaysPresentScopes, requested)
}

// validateCodeChallenge checks the client's PKCE parameters at /authorize.
func validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if method != "" && method != pkce.MethodS256 {
		return fmt.Errorf("code_challenge_method must be %s", pkce.MethodS256)
	}
	if len(challenge) < pkce.MinVerifierLength || len(challenge) > pkce.MaxVerifierLength {
		return fmt.Errorf("code_challenge has invalid length")
	}
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	clean := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	ip := net.ParseIP(clean)
	return ip != nil && ip.IsLoopback()
}
