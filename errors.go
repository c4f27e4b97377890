package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/singlestore-labs/mcp-oauth/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInvalidClientMetadata   = server.ErrorCodeInvalidClientMetadata
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeUnsupportedTokenType    = "unsupported_token_type"
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponse
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrTemporarilyUnavailable indicates a dependency needed to answer is down
	ErrTemporarilyUnavailable = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
	}
)

// toOAuthError maps the server package's typed errors onto the wire shape.
// Anything unrecognised becomes a 500 without leaking its text.
func toOAuthError(err error) *OAuthError {
	if te, ok := server.IsTokenError(err); ok {
		return NewOAuthError(te.Code, te.Description, te.Status)
	}
	if re, ok := server.IsRegistrationError(err); ok {
		return NewOAuthError(re.Code, re.Description, http.StatusBadRequest)
	}
	if ae, ok := server.IsAuthorizeError(err); ok {
		return NewOAuthError(ae.Code, ae.Description, http.StatusBadRequest)
	}
	if oe, ok := err.(*OAuthError); ok {
		return oe
	}
	return ErrServerError("internal server error")
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the {error, error_description} body. 401 responses
// carry a Bearer challenge.
func writeError(w http.ResponseWriter, e *OAuthError) {
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate("", e.Code, e.Description))
	}
	writeJSON(w, e.Status, ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

// formatWWWAuthenticate builds an RFC 6750 Bearer challenge.
func formatWWWAuthenticate(realm, errCode, errorDesc string) string {
	challenge := "Bearer"
	sep := " "
	add := func(k, v string) {
		if v == "" {
			return
		}
		challenge += fmt.Sprintf("%s%s=%q", sep, k, v)
		sep = ", "
	}
	add("realm", realm)
	add("error", errCode)
	add("error_description", errorDesc)
	return challenge
}
