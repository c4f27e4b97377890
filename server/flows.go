package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/singlestore-labs/mcp-oauth/internal/util"
	"github.com/singlestore-labs/mcp-oauth/pkce"
	"github.com/singlestore-labs/mcp-oauth/providers"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

// ErrInvalidState is returned by HandleCallback when the upstream state is
// unknown, already used or expired. No redirect target is known in that case.
var ErrInvalidState = errors.New("invalid state parameter")

// number of characters of a code or token to include in logs
const tokenIDLogLength = 8

// AuthorizeRequest carries the /authorize query parameters.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// Authorize validates an authorization request, records it under a fresh
// internal state and returns the upstream authorization URL to redirect to.
//
// Errors are *AuthorizeError. Once the redirect URI is known to be
// registered, errors carry it and the client's state so they can be
// delivered by redirect.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest, clientIP string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize")
	defer span.End()

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.LogAuthFailure("", req.ClientID, clientIP, "unknown_client")
			return "", authorizeError(ErrorCodeInvalidRequest, "unknown client_id")
		}
		return "", fmt.Errorf("failed to load client: %w", err)
	}

	redirectURI, explicit, err := resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		s.Auditor.LogAuthFailure("", client.ClientID, clientIP, ErrorCodeInvalidRedirectURI)
		return "", err
	}

	fail := func(code, desc string) error {
		s.Auditor.LogAuthFailure("", client.ClientID, clientIP, code)
		return &AuthorizeError{Code: code, Description: desc, RedirectURI: redirectURI, State: req.State}
	}

	if req.ResponseType != ResponseTypeCode {
		return "", fail(ErrorCodeUnsupportedResponse, "response_type must be code")
	}
	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		}
		s.Auditor.LogInvalidPKCE(client.ClientID, clientIP, err.Error())
		return "", fail(ErrorCodeInvalidRequest, err.Error())
	}

	requested := util.ParseScope(req.Scope)
	if len(requested) == 0 {
		requested = util.ParseScope(client.Scope)
	}
	if err := s.validateScopes(requested); err != nil {
		return "", fail(ErrorCodeInvalidScope, err.Error())
	}
	if !client.AllowsScopes(requested) {
		return "", fail(ErrorCodeInvalidScope, "requested scope was not granted to this client")
	}
	scopes := s.upstreamScopes(requested)

	upstream, err := pkce.NewPair()
	if err != nil {
		return "", fmt.Errorf("failed to generate upstream PKCE pair: %w", err)
	}

	now := s.now()
	pending := &storage.PendingAuthorization{
		State:                         generateRandomToken(),
		ClientID:                      client.ClientID,
		Scopes:                        scopes,
		RedirectURI:                   redirectURI,
		RedirectURIProvidedExplicitly: explicit,
		CodeChallenge:                 req.CodeChallenge,
		CodeChallengeMethod:           pkce.MethodS256,
		ClientState:                   req.State,
		UpstreamCodeVerifier:          upstream.Verifier,
		Resource:                      req.Resource,
		CreatedAt:                     now,
		ExpiresAt:                     s.ttl(s.Config.PendingAuthorizationTTL),
	}
	if err := s.store.SavePendingAuthorization(ctx, pending); err != nil {
		return "", fmt.Errorf("failed to save pending authorization: %w", err)
	}

	s.Auditor.LogAuthorizationStarted(client.ClientID, clientIP, util.JoinScope(scopes))
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, client.ClientID)
	}

	return s.provider.AuthorizationURL(pending.State, upstream.Challenge, scopes), nil
}

// CallbackRequest carries the upstream redirect back to /callback.
type CallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// HandleCallback consumes the pending authorization for req.State, mints a
// local authorization code and returns the client redirect URL carrying the
// code and the client's own state. An upstream error is relayed to the client
// the same way.
//
// The upstream code is not exchanged here; the exchange happens once, at the
// token endpoint, with the stored upstream verifier.
func (s *Server) HandleCallback(ctx context.Context, req CallbackRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.callback")
	defer span.End()

	if req.State == "" {
		return "", ErrInvalidState
	}

	pending, err := s.store.ConsumePendingAuthorization(ctx, req.State)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.LogAuthFailure("", "", "", "invalid_callback_state")
			return "", ErrInvalidState
		}
		return "", fmt.Errorf("failed to load pending authorization: %w", err)
	}

	if req.Error != "" {
		s.Auditor.LogUpstreamError(pending.ClientID, "authorize", req.Error)
		s.recordCallback(ctx, pending.ClientID, false)
		desc := req.ErrorDescription
		if desc == "" {
			desc = "upstream authorization failed"
		}
		return constructRedirectURI(pending.RedirectURI, url.Values{
			"error":             {req.Error},
			"error_description": {desc},
		}, pending.ClientState)
	}
	if req.Code == "" {
		s.recordCallback(ctx, pending.ClientID, false)
		return constructRedirectURI(pending.RedirectURI, url.Values{
			"error":             {ErrorCodeInvalidRequest},
			"error_description": {"upstream returned no authorization code"},
		}, pending.ClientState)
	}

	code := &storage.AuthorizationCode{
		Code:                          generateRandomToken(),
		ClientID:                      pending.ClientID,
		RedirectURI:                   pending.RedirectURI,
		RedirectURIProvidedExplicitly: pending.RedirectURIProvidedExplicitly,
		Scopes:                        pending.Scopes,
		CodeChallenge:                 pending.CodeChallenge,
		CodeChallengeMethod:           pending.CodeChallengeMethod,
		Resource:                      pending.Resource,
		UpstreamCode:                  req.Code,
		UpstreamCodeVerifier:          pending.UpstreamCodeVerifier,
		CreatedAt:                     s.now(),
		ExpiresAt:                     s.ttl(s.Config.AuthorizationCodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogAuthorizationCodeIssued(code.ClientID)
	s.recordCallback(ctx, code.ClientID, true)
	s.Logger.Debug("Issued authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))

	return constructRedirectURI(pending.RedirectURI, url.Values{"code": {code.Code}}, pending.ClientState)
}

func (s *Server) recordCallback(ctx context.Context, clientID string, success bool) {
	if s.metrics != nil {
		s.metrics.RecordCallbackProcessed(ctx, clientID, success)
	}
}

// constructRedirectURI appends params and, when set, state to base while
// keeping any query the client registered.
func constructRedirectURI(base string, params url.Values, state string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ErrorRedirectURL renders an AuthorizeError as a client redirect.
func ErrorRedirectURL(e *AuthorizeError) (string, error) {
	return constructRedirectURI(e.RedirectURI, url.Values{
		"error":             {e.Code},
		"error_description": {e.Description},
	}, e.State)
}

// LoadAuthorizationCode returns the code if it exists, is unexpired and
// belongs to clientID. Every failure is storage.ErrNotFound.
func (s *Server) LoadAuthorizationCode(ctx context.Context, clientID, code string) (*storage.AuthorizationCode, error) {
	ac, err := s.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !sameClient(ac.ClientID, clientID) {
		return nil, storage.ErrNotFound
	}
	return ac, nil
}

// CodeExchangeRequest carries an authorization_code grant.
type CodeExchangeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// TokenResponse is the successful /token response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeAuthorizationCode redeems a local authorization code. The code is
// consumed before anything else, so it is single use even under concurrent
// redemption. Errors are *TokenError.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, req CodeExchangeRequest, clientIP string) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.exchange_code")
	defer span.End()

	resp, err := s.exchangeAuthorizationCode(ctx, client, req, clientIP)
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ClientID, err == nil)
	}
	return resp, err
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req CodeExchangeRequest, clientIP string) (*TokenResponse, error) {
	if !client.AllowsGrantType(GrantTypeAuthorizationCode) {
		return nil, unauthorizedClient("client is not registered for the authorization_code grant")
	}
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	code, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Logger.Debug("Authorization code not found",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(req.Code, tokenIDLogLength))
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "invalid_authorization_code")
			return nil, invalidGrant("authorization code is invalid or expired")
		}
		return nil, serverError("failed to load authorization code", err)
	}

	if !sameClient(code.ClientID, client.ClientID) {
		s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "authorization_code_client_mismatch")
		return nil, invalidGrant("authorization code is invalid or expired")
	}
	if code.RedirectURIProvidedExplicitly || req.RedirectURI != "" {
		if req.RedirectURI != code.RedirectURI {
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "redirect_uri_mismatch")
			return nil, invalidGrant("redirect_uri does not match the authorization request")
		}
	}
	if err := pkce.Verify(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod); err != nil {
		s.Auditor.LogInvalidPKCE(client.ClientID, clientIP, err.Error())
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		return nil, invalidGrant("code_verifier is invalid")
	}

	upstream, err := s.provider.ExchangeCode(ctx, code.UpstreamCode, code.UpstreamCodeVerifier)
	if err != nil {
		s.Auditor.LogUpstreamError(client.ClientID, "exchange_code", err.Error())
		s.Logger.Warn("Upstream code exchange failed", "client_id", client.ClientID, "error", err)
		// single attempt; the code is already consumed and the client
		// restarts the flow
		if providers.IsUnavailable(err) {
			return nil, invalidGrant("upstream token endpoint unavailable")
		}
		return nil, invalidGrant("upstream rejected the authorization code")
	}

	resp, err := s.issueTokens(ctx, client.ClientID, code.Scopes, code.Resource, upstream.AccessToken, upstream.RefreshToken, upstream.Expiry)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued("", client.ClientID, clientIP, resp.Scope)
	return resp, nil
}
