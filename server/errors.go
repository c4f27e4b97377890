package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes from RFC 6749 and RFC 7591.
// Note: The root package keeps its own copy for its HTTP error type; keep
// these in sync with errors.go there.
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeUnauthorizedClient    = "unauthorized_client"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeUnsupportedResponse   = "unsupported_response_type"
	ErrorCodeAccessDenied          = "access_denied"
	ErrorCodeServerError           = "server_error"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
)

// RegistrationError rejects client metadata at /register.
type RegistrationError struct {
	Code        string
	Description string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AuthorizeError rejects an /authorize request. When RedirectURI is set the
// error is delivered to the client by redirect, carrying State; otherwise it
// is a direct 400.
type AuthorizeError struct {
	Code        string
	Description string
	RedirectURI string
	State       string
}

func (e *AuthorizeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Redirectable reports whether the error can be sent to the client's redirect URI.
func (e *AuthorizeError) Redirectable() bool {
	return e.RedirectURI != ""
}

// TokenError rejects a /token request. Status is 400 for client-caused
// failures, 401 for failed client authentication and 500 when the upstream
// provider or storage could not be reached.
type TokenError struct {
	Code        string
	Description string
	Status      int
	Err         error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

func registrationError(desc string) *RegistrationError {
	return &RegistrationError{Code: ErrorCodeInvalidClientMetadata, Description: desc}
}

func redirectURIError(desc string) *RegistrationError {
	return &RegistrationError{Code: ErrorCodeInvalidRedirectURI, Description: desc}
}

func authorizeError(code, desc string) *AuthorizeError {
	return &AuthorizeError{Code: code, Description: desc}
}

func invalidGrant(desc string) *TokenError {
	return &TokenError{Code: ErrorCodeInvalidGrant, Description: desc, Status: http.StatusBadRequest}
}

func invalidRequest(desc string) *TokenError {
	return &TokenError{Code: ErrorCodeInvalidRequest, Description: desc, Status: http.StatusBadRequest}
}

func invalidClient(desc string) *TokenError {
	return &TokenError{Code: ErrorCodeInvalidClient, Description: desc, Status: http.StatusUnauthorized}
}

func invalidScope(desc string) *TokenError {
	return &TokenError{Code: ErrorCodeInvalidScope, Description: desc, Status: http.StatusBadRequest}
}

func unauthorizedClient(desc string) *TokenError {
	return &TokenError{Code: ErrorCodeUnauthorizedClient, Description: desc, Status: http.StatusBadRequest}
}

func unsupportedGrantType(desc string) *TokenError {
	return &TokenError{Code: ErrorCodeUnsupportedGrantType, Description: desc, Status: http.StatusBadRequest}
}

func serverError(desc string, err error) *TokenError {
	return &TokenError{Code: ErrorCodeServerError, Description: desc, Status: http.StatusInternalServerError, Err: err}
}

// IsRegistrationError, IsAuthorizeError and IsTokenError unwrap err into the
// typed error when it is one.

func IsRegistrationError(err error) (*RegistrationError, bool) {
	var e *RegistrationError
	ok := errors.As(err, &e)
	return e, ok
}

func IsAuthorizeError(err error) (*AuthorizeError, bool) {
	var e *AuthorizeError
	ok := errors.As(err, &e)
	return e, ok
}

func IsTokenError(err error) (*TokenError, bool) {
	var e *TokenError
	ok := errors.As(err, &e)
	return e, ok
}
