package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/singlestore-labs/mcp-oauth/internal/util"
	"github.com/singlestore-labs/mcp-oauth/providers"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

// ErrInvalidToken is returned by LoadAccessToken for absent, expired or
// otherwise invalid bearer tokens. Any other error means the token could not
// be checked.
var ErrInvalidToken = errors.New("invalid or expired token")

const tokenTypeBearer = "Bearer"

// issueTokens mints the token response for a successful grant.
//
// In opaque mode a random access token is stored with the upstream token
// behind it. In upstream_jwt mode the upstream JWT is handed out as is and
// nothing is stored for it. A local refresh token is issued only under
// RefreshRotate and only when the upstream provided one.
func (s *Server) issueTokens(ctx context.Context, clientID string, scopes []string, resource, upstreamAccess, upstreamRefresh string, upstreamExpiry time.Time) (*TokenResponse, error) {
	resp := &TokenResponse{
		TokenType: tokenTypeBearer,
		Scope:     util.JoinScope(scopes),
	}

	var accessToken string
	switch s.Config.TokenMode {
	case TokenModeUpstreamJWT:
		accessToken = upstreamAccess
		resp.ExpiresIn = s.Config.AccessTokenTTL
		if !upstreamExpiry.IsZero() {
			resp.ExpiresIn = max(int64(upstreamExpiry.Sub(s.now()).Seconds()), 1)
		}
	default:
		accessToken = generateRandomToken()
		resp.ExpiresIn = s.Config.AccessTokenTTL
	}
	resp.AccessToken = accessToken

	var refreshToken string
	if s.Config.RefreshPolicy == RefreshRotate && upstreamRefresh != "" {
		refreshToken = generateRandomToken()
		rt := &storage.RefreshToken{
			Token:                refreshToken,
			ClientID:             clientID,
			Scopes:               scopes,
			ExpiresAt:            s.ttl(s.Config.RefreshTokenTTL),
			Resource:             resource,
			UpstreamRefreshToken: upstreamRefresh,
		}
		if s.Config.TokenMode == TokenModeOpaque {
			rt.AccessToken = accessToken
		}
		if err := s.store.SaveRefreshToken(ctx, rt); err != nil {
			return nil, serverError("failed to store refresh token", err)
		}
		resp.RefreshToken = refreshToken
	}

	if s.Config.TokenMode == TokenModeOpaque {
		at := &storage.AccessToken{
			Token:               accessToken,
			ClientID:            clientID,
			Scopes:              scopes,
			ExpiresAt:           s.ttl(s.Config.AccessTokenTTL),
			Resource:            resource,
			RefreshToken:        refreshToken,
			UpstreamAccessToken: upstreamAccess,
		}
		if err := s.store.SaveAccessToken(ctx, at); err != nil {
			return nil, serverError("failed to store access token", err)
		}
	}

	s.Logger.Debug("Issued tokens",
		"client_id", clientID,
		"token_mode", s.Config.TokenMode,
		"refresh", refreshToken != "")
	return resp, nil
}

// LoadRefreshToken returns the refresh token if it exists, is unexpired and
// belongs to clientID. Under RefreshDisabled it always reports not found.
func (s *Server) LoadRefreshToken(ctx context.Context, clientID, token string) (*storage.RefreshToken, error) {
	if s.Config.RefreshPolicy != RefreshRotate {
		return nil, storage.ErrNotFound
	}
	rt, err := s.store.GetRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sameClient(rt.ClientID, clientID) {
		return nil, storage.ErrNotFound
	}
	return rt, nil
}

// ExchangeRefreshToken rotates a refresh token: the upstream refresh token
// is redeemed, the presented token and its paired access token are
// invalidated and a new pair is issued. requested may narrow but never widen
// the original scopes. Errors are *TokenError.
func (s *Server) ExchangeRefreshToken(ctx context.Context, client *storage.Client, token string, requested []string, clientIP string) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.refresh")
	defer span.End()

	resp, err := s.exchangeRefreshToken(ctx, client, token, requested, clientIP)
	if s.metrics != nil && s.Config.RefreshPolicy == RefreshRotate {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID, err == nil)
	}
	return resp, err
}

func (s *Server) exchangeRefreshToken(ctx context.Context, client *storage.Client, token string, requested []string, clientIP string) (*TokenResponse, error) {
	if s.Config.RefreshPolicy != RefreshRotate {
		return nil, unsupportedGrantType("refresh_token grant is not supported")
	}
	if !client.AllowsGrantType(GrantTypeRefreshToken) {
		return nil, unauthorizedClient("client is not registered for the refresh_token grant")
	}
	if token == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	rt, err := s.LoadRefreshToken(ctx, client.ClientID, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "invalid_refresh_token")
			return nil, invalidGrant("refresh token is invalid or expired")
		}
		return nil, serverError("failed to load refresh token", err)
	}

	scopes := rt.Scopes
	if len(requested) > 0 {
		if !util.ScopesSubset(requested, rt.Scopes) {
			return nil, invalidScope("requested scope exceeds the original grant")
		}
		scopes = requested
	}

	// claim the token before calling upstream so concurrent redemptions fail
	if _, err := s.store.ConsumeRefreshToken(ctx, token); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant("refresh token is invalid or expired")
		}
		return nil, serverError("failed to consume refresh token", err)
	}

	upstream, err := s.provider.RefreshToken(ctx, rt.UpstreamRefreshToken)
	if err != nil {
		s.Auditor.LogUpstreamError(client.ClientID, "refresh_token", err.Error())
		if providers.IsUnavailable(err) {
			// the client may retry with the same refresh token
			if restoreErr := s.store.SaveRefreshToken(ctx, rt); restoreErr != nil {
				s.Logger.Error("Failed to restore refresh token after upstream outage", "error", restoreErr)
			}
			return nil, serverError("upstream token endpoint unavailable", err)
		}
		if rt.AccessToken != "" {
			if err := s.store.DeleteAccessToken(ctx, rt.AccessToken); err != nil {
				s.Logger.Warn("Failed to delete access token after upstream rejection", "error", err)
			}
		}
		return nil, invalidGrant("upstream rejected the refresh token")
	}

	if rt.AccessToken != "" {
		if err := s.store.DeleteAccessToken(ctx, rt.AccessToken); err != nil {
			s.Logger.Warn("Failed to delete rotated access token", "error", err)
		}
	}

	resp, err := s.issueTokens(ctx, client.ClientID, scopes, rt.Resource, upstream.AccessToken, upstream.RefreshToken, upstream.Expiry)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(client.ClientID, clientIP)
	return resp, nil
}

// LoadAccessToken validates a bearer token. It returns ErrInvalidToken when
// the token is bad and a different error when it could not be checked.
//
// In opaque mode a successful lookup also resolves the user behind the
// upstream token and reports it to analytics; failures there are logged
// and do not affect the result.
func (s *Server) LoadAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.load_access_token")
	defer span.End()

	at, err := s.loadAccessToken(ctx, token)
	if s.metrics != nil {
		result := "valid"
		switch {
		case errors.Is(err, ErrInvalidToken):
			result = "invalid"
		case err != nil:
			result = "error"
		}
		s.metrics.RecordTokenValidation(ctx, string(s.Config.TokenMode), result)
	}
	return at, err
}

func (s *Server) loadAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	if s.Config.TokenMode == TokenModeUpstreamJWT {
		if s.verifier == nil {
			return nil, errors.New("no JWT verifier configured")
		}
		at, err := s.verifier.VerifyToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to verify token: %w", err)
		}
		if at == nil {
			return nil, ErrInvalidToken
		}
		return at, nil
	}

	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}

	s.identify(ctx, at)
	return at, nil
}

func (s *Server) identify(ctx context.Context, at *storage.AccessToken) {
	if s.identity == nil || at.UpstreamAccessToken == "" {
		return
	}
	userID, err := s.identity.Resolve(ctx, at.UpstreamAccessToken)
	if err != nil {
		s.Logger.Warn("Failed to resolve user identity", "client_id", at.ClientID, "error", err)
		return
	}
	s.analytics.Identify(userID, map[string]any{"client_id": at.ClientID})
}

// RevokeToken removes token, and the token paired with it, from whichever
// store holds it, provided it was issued to clientID. Tokens of other
// clients are left alone. hint ("access_token" or "refresh_token") only
// changes the lookup order. It never fails; storage errors are logged.
func (s *Server) RevokeToken(ctx context.Context, clientID, token, hint, clientIP string) {
	ctx, span := s.tracer.Start(ctx, "oauth.revoke")
	defer span.End()

	if token == "" || clientID == "" {
		return
	}

	lookups := []func(context.Context, string, string) bool{s.revokeAccessToken, s.revokeRefreshToken}
	if hint == "refresh_token" {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, revoke := range lookups {
		if revoke(ctx, clientID, token) {
			s.Auditor.LogTokenRevoked(clientID, clientIP, hint, true)
			if s.metrics != nil {
				s.metrics.RecordTokenRevocation(ctx, hint)
			}
			return
		}
	}
	s.Auditor.LogTokenRevoked(clientID, clientIP, hint, false)
}

func (s *Server) revokeAccessToken(ctx context.Context, clientID, token string) bool {
	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		s.logRevokeError(err)
		return false
	}
	if !sameClient(at.ClientID, clientID) {
		s.Logger.Warn("Revocation of another client's access token ignored", "client_id", clientID)
		return false
	}
	if err := s.store.DeleteAccessToken(ctx, token); err != nil {
		s.logRevokeError(err)
	}
	if at.RefreshToken != "" {
		if err := s.store.DeleteRefreshToken(ctx, at.RefreshToken); err != nil {
			s.logRevokeError(err)
		}
	}
	s.forgetIdentity(at.UpstreamAccessToken)
	return true
}

func (s *Server) revokeRefreshToken(ctx context.Context, clientID, token string) bool {
	rt, err := s.store.GetRefreshToken(ctx, token)
	if err != nil {
		s.logRevokeError(err)
		return false
	}
	if !sameClient(rt.ClientID, clientID) {
		s.Logger.Warn("Revocation of another client's refresh token ignored", "client_id", clientID)
		return false
	}
	if err := s.store.DeleteRefreshToken(ctx, token); err != nil {
		s.logRevokeError(err)
	}
	if rt.AccessToken != "" {
		if at, err := s.store.GetAccessToken(ctx, rt.AccessToken); err == nil {
			s.forgetIdentity(at.UpstreamAccessToken)
		}
		if err := s.store.DeleteAccessToken(ctx, rt.AccessToken); err != nil {
			s.logRevokeError(err)
		}
	}
	if rt.UpstreamRefreshToken != "" {
		if err := s.provider.RevokeToken(ctx, rt.UpstreamRefreshToken); err != nil {
			s.Logger.Warn("Upstream revocation failed", "client_id", rt.ClientID, "error", err)
		}
	}
	return true
}

// forgetIdentity drops the cached user lookup for a revoked upstream token.
func (s *Server) forgetIdentity(upstreamToken string) {
	if s.identity != nil && upstreamToken != "" {
		s.identity.Forget(upstreamToken)
	}
}

func (s *Server) logRevokeError(err error) {
	if !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Error("Storage error during revocation", "error", err)
	}
}
