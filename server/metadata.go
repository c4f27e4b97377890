package server

import (
	"slices"

	"github.com/singlestore-labs/mcp-oauth/pkce"
)

// Metadata is the authorization server metadata document (RFC 8414), also
// served as the OpenID configuration.
type Metadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	RegistrationEndpoint                   string   `json:"registration_endpoint"`
	RevocationEndpoint                     string   `json:"revocation_endpoint"`
	JWKSURI                                string   `json:"jwks_uri,omitempty"`
	ScopesSupported                        []string `json:"scopes_supported"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
}

// Metadata describes this server. refresh_token is advertised only when
// the refresh policy supports it.
func (s *Server) Metadata() Metadata {
	base := s.Config.Issuer

	grants := []string{GrantTypeAuthorizationCode}
	if s.Config.RefreshPolicy == RefreshRotate {
		grants = append(grants, GrantTypeRefreshToken)
	}

	scopes := s.Config.SupportedScopes
	if len(scopes) == 0 {
		scopes = s.Config.AlwaysPresentScopes
	}

	authMethods := []string{TokenEndpointAuthMethodNone, TokenEndpointAuthMethodPost, TokenEndpointAuthMethodBasic}

	return Metadata{
		Issuer:                                 base,
		AuthorizationEndpoint:                  base + "/authorize",
		TokenEndpoint:                          base + "/token",
		RegistrationEndpoint:                   base + "/register",
		RevocationEndpoint:                     base + "/revoke",
		JWKSURI:                                s.Config.JWKSURI,
		ScopesSupported:                        slices.Clone(scopes),
		ResponseTypesSupported:                 []string{ResponseTypeCode},
		GrantTypesSupported:                    grants,
		TokenEndpointAuthMethodsSupported:      authMethods,
		RevocationEndpointAuthMethodsSupported: slices.Clone(authMethods),
		CodeChallengeMethodsSupported:          []string{pkce.MethodS256},
	}
}
