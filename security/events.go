package security

// Audit event types.
const (
	EventClientRegistered     = "client_registered"
	EventAuthorizationStarted = "authorization_flow_started"
	EventAuthorizationCode    = "authorization_code_issued"
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventTokenRevoked         = "token_revoked"
	EventAuthFailure          = "auth_failure"
	EventRateLimitExceeded    = "rate_limit_exceeded"
	EventInvalidPKCE          = "invalid_pkce"
	EventUpstreamError        = "upstream_error"
	EventCredentialsPurged    = "credentials_purged" //nolint:gosec // event name, not a credential
)
