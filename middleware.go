package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/singlestore-labs/mcp-oauth/server"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

type accessTokenContextKey struct{}

// AccessTokenFromContext returns the token validated by ValidateToken.
func AccessTokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	at, ok := ctx.Value(accessTokenContextKey{}).(*storage.AccessToken)
	return at, ok
}

// ContextWithAccessToken stores a validated token in ctx.
func ContextWithAccessToken(ctx context.Context, at *storage.AccessToken) context.Context {
	return context.WithValue(ctx, accessTokenContextKey{}, at)
}

// ValidateToken is middleware that admits requests carrying a valid bearer
// token. Bad tokens get 401 with a Bearer challenge. When the token cannot be
// checked at all (JWKS or storage down) the response is 503, so clients do
// not discard a token that may still be good.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, ErrInvalidToken("missing bearer token"))
			return
		}

		at, err := h.server.LoadAccessToken(r.Context(), token)
		switch {
		case errors.Is(err, server.ErrInvalidToken):
			writeError(w, ErrInvalidToken("token is invalid or expired"))
			return
		case err != nil:
			h.log(r).Error("Token validation unavailable", "error", err)
			w.Header().Set("Retry-After", "5")
			writeError(w, ErrTemporarilyUnavailable("token validation is temporarily unavailable"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAccessToken(r.Context(), at)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
