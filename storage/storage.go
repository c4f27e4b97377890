// Package storage defines the persistence contracts of the authorization
// server: registered clients, pending authorizations, authorization codes and
// access/refresh tokens.
//
// Every backend (memory, sqlstore, redis) implements the same contract:
//
//   - Lookups of expired records return ErrNotFound and delete the record on
//     the way out. Expiry is checked on every read; a background sweep is an
//     optional extra, never the correctness mechanism.
//   - Writes are idempotent replaces keyed by the random state, code or token
//     value. Nothing is ever keyed by client ID alone.
//   - Consume operations are atomic get-and-delete: of several concurrent
//     callers at most one receives the record.
//
// Backends live in subpackages:
//   - storage/memory: mutex-guarded maps for single-instance and local deployments
//   - storage/sqlstore: database/sql tables (SQLite, MySQL/SingleStore) with embedded migrations
//   - storage/redis: Redis keys with native TTLs for horizontally scaled deployments
//   - storage/storagetest: the conformance suite every backend runs in its tests
package storage

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/singlestore-labs/mcp-oauth/internal/util"
)

// ErrNotFound is returned for absent and expired records alike.
var ErrNotFound = errors.New("not found")

// ClientStore manages OAuth client registrations.
type ClientStore interface {
	// SaveClient stores a client. Re-registering a client ID overwrites it.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// FlowStore manages in-flight authorizations and issued authorization codes.
//
// # Two state namespaces
//
// A PendingAuthorization is keyed by State, a random value generated by this
// server and sent to the upstream identity provider. The MCP client's own
// state parameter is carried in ClientState and is only ever echoed back to
// the client. The two never share a key space.
type FlowStore interface {
	// SavePendingAuthorization stores an authorize request keyed by its internal state.
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// ConsumePendingAuthorization atomically retrieves and deletes a pending
	// authorization. Expired entries are deleted and reported as ErrNotFound.
	ConsumePendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error)

	// SaveAuthorizationCode stores an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code without consuming it.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically retrieves and deletes a code.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code. Deleting an absent code is not an error.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages locally issued access and refresh tokens.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	DeleteAccessToken(ctx context.Context, token string) error

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
	// Used by rotation so a refresh token can be redeemed once.
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
}

// Sweeper removes expired records in bulk. It is optional; backends with
// native expiry (redis) may report zero.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int, error)
}

// Store is the full persistence contract used by the server.
type Store interface {
	ClientStore
	FlowStore
	TokenStore
	Sweeper

	// Close releases backend resources.
	Close() error
}

// Client is a registered OAuth client.
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"` // bcrypt
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	ResponseTypes           []string  `json:"response_types,omitempty"`
	Scope                   string    `json:"scope,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientSecretHash != ""
}

// HasRedirectURI reports whether uri is one of the client's registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsGrantType reports whether the client registered grantType. Clients
// stored without grant types allow both supported grants.
func (c *Client) AllowsGrantType(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return true
	}
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsScopes reports whether every scope was granted at registration. A
// client registered without a scope may request any scope.
func (c *Client) AllowsScopes(scopes []string) bool {
	if c.Scope == "" {
		return true
	}
	return util.ScopesSubset(scopes, util.ParseScope(c.Scope))
}

// PendingAuthorization is an authorize request awaiting the upstream callback.
type PendingAuthorization struct {
	State                         string    `json:"state"` // internal, sent upstream
	ClientID                      string    `json:"client_id"`
	Scopes                        []string  `json:"scopes"`
	RedirectURI                   string    `json:"redirect_uri"`
	RedirectURIProvidedExplicitly bool      `json:"redirect_uri_provided_explicitly"`
	CodeChallenge                 string    `json:"code_challenge"` // MCP client's challenge
	CodeChallengeMethod           string    `json:"code_challenge_method,omitempty"`
	ClientState                   string    `json:"client_state,omitempty"` // echoed to the MCP client
	UpstreamCodeVerifier          string    `json:"upstream_code_verifier"`
	Resource                      string    `json:"resource,omitempty"`
	CreatedAt                     time.Time `json:"created_at"`
	ExpiresAt                     time.Time `json:"expires_at"`
}

// AuthorizationCode is a code this server issued to an MCP client.
type AuthorizationCode struct {
	Code                          string    `json:"code"`
	ClientID                      string    `json:"client_id"`
	RedirectURI                   string    `json:"redirect_uri"`
	RedirectURIProvidedExplicitly bool      `json:"redirect_uri_provided_explicitly"`
	Scopes                        []string  `json:"scopes"`
	CodeChallenge                 string    `json:"code_challenge"`
	CodeChallengeMethod           string    `json:"code_challenge_method,omitempty"`
	Resource                      string    `json:"resource,omitempty"`
	UpstreamCode                  string    `json:"upstream_code"`
	UpstreamCodeVerifier          string    `json:"upstream_code_verifier"`
	CreatedAt                     time.Time `json:"created_at"`
	ExpiresAt                     time.Time `json:"expires_at"`
}

// AccessToken is a locally issued bearer token. In upstream_jwt mode it is
// built from verified JWT claims and never stored.
type AccessToken struct {
	Token               string    `json:"token"`
	ClientID            string    `json:"client_id"`
	Scopes              []string  `json:"scopes"`
	ExpiresAt           time.Time `json:"expires_at"`
	Resource            string    `json:"resource,omitempty"`
	RefreshToken        string    `json:"refresh_token,omitempty"` // paired refresh token
	UpstreamAccessToken string    `json:"upstream_access_token,omitempty"`
}

// RefreshToken is a locally issued refresh token.
type RefreshToken struct {
	Token                string    `json:"token"`
	ClientID             string    `json:"client_id"`
	Scopes               []string  `json:"scopes"`
	ExpiresAt            time.Time `json:"expires_at"`
	Resource             string    `json:"resource,omitempty"`
	AccessToken          string    `json:"access_token,omitempty"` // paired access token
	UpstreamRefreshToken string    `json:"upstream_refresh_token,omitempty"`
}

// Expired reports whether t is at or past expiresAt. A zero expiresAt never expires.
func Expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
