// Package providers defines the upstream identity provider interface and the
// checks applied to every upstream token response.
//
// Implementations are provided in subpackages:
//   - providers/singlestore: the SingleStore identity provider
//   - providers/oidc: OpenID Connect discovery
//   - providers/mock: scripted provider for tests
//
// Upstream failures are sorted into two classes. ErrUpstreamRejected means the
// provider answered and refused the grant (4xx, error payload, malformed
// token); the MCP client sees invalid_grant. ErrUpstreamUnavailable means the
// provider could not be reached or failed (5xx, network error). A code
// exchange reports both as invalid_grant; a refresh reports an outage as
// server_error and keeps the refresh token usable.
package providers
