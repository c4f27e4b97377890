// Package storagetest is a conformance suite for storage.Store
// implementations. Each backend calls Run from its own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/singlestore-labs/mcp-oauth/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"ClientRoundTrip", testClientRoundTrip},
		{"ClientReplace", testClientReplace},
		{"ClientNotFound", testClientNotFound},
		{"PendingConsumeOnce", testPendingConsumeOnce},
		{"PendingExpired", testPendingExpired},
		{"CodeGetAndConsume", testCodeGetAndConsume},
		{"CodeExpiredIsNotFound", testCodeExpired},
		{"CodeDeleteIdempotent", testCodeDeleteIdempotent},
		{"CodeConcurrentConsume", testCodeConcurrentConsume},
		{"AccessTokenLifecycle", testAccessTokenLifecycle},
		{"AccessTokenExpired", testAccessTokenExpired},
		{"RefreshTokenLifecycle", testRefreshTokenLifecycle},
		{"RefreshTokenConsumeOnce", testRefreshTokenConsumeOnce},
		{"DeleteExpired", testDeleteExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func future() time.Time { return time.Now().Add(time.Hour).Truncate(time.Second) }
func past() time.Time   { return time.Now().Add(-time.Minute).Truncate(time.Second) }

func testClientRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client := &storage.Client{
		ClientID:     "client-1",
		ClientName:   "Claude Desktop",
		RedirectURIs: []string{"http://localhost:3000/cb", "https://app.example.com/cb"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		CreatedAt:    time.Now().Truncate(time.Second),
	}

	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, client.ClientName, got.ClientName)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
}

func testClientReplace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveClient(ctx, &storage.Client{ClientID: "c", RedirectURIs: []string{"http://a/cb"}}))
	require.NoError(t, s.SaveClient(ctx, &storage.Client{ClientID: "c", RedirectURIs: []string{"http://b/cb"}}))

	got, err := s.GetClient(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://b/cb"}, got.RedirectURIs)
}

func testClientNotFound(t *testing.T, s storage.Store) {
	_, err := s.GetClient(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func newPending(state string, expiresAt time.Time) *storage.PendingAuthorization {
	return &storage.PendingAuthorization{
		State:                         state,
		ClientID:                      "client-1",
		Scopes:                        []string{"openid", "offline_access"},
		RedirectURI:                   "http://localhost:3000/cb",
		RedirectURIProvidedExplicitly: true,
		CodeChallenge:                 "client-challenge",
		CodeChallengeMethod:           "S256",
		ClientState:                   "client-state",
		UpstreamCodeVerifier:          "upstream-verifier",
		CreatedAt:                     time.Now().Truncate(time.Second),
		ExpiresAt:                     expiresAt,
	}
}

func testPendingConsumeOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := newPending("state-1", future())
	require.NoError(t, s.SavePendingAuthorization(ctx, p))

	got, err := s.ConsumePendingAuthorization(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, p.State, got.State)
	assert.Equal(t, p.ClientState, got.ClientState)
	assert.Equal(t, p.UpstreamCodeVerifier, got.UpstreamCodeVerifier)
	assert.Equal(t, p.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, p.Scopes, got.Scopes)
	assert.True(t, got.RedirectURIProvidedExplicitly)

	_, err = s.ConsumePendingAuthorization(ctx, "state-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// the client's state is never a key
	_, err = s.ConsumePendingAuthorization(ctx, "client-state")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testPendingExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SavePendingAuthorization(ctx, newPending("old", past())))

	_, err := s.ConsumePendingAuthorization(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func newCode(code string, expiresAt time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                          code,
		ClientID:                      "client-1",
		RedirectURI:                   "http://localhost:3000/cb",
		RedirectURIProvidedExplicitly: true,
		Scopes:                        []string{"openid"},
		CodeChallenge:                 "client-challenge",
		UpstreamCode:                  "upstream-code",
		UpstreamCodeVerifier:          "upstream-verifier",
		CreatedAt:                     time.Now().Truncate(time.Second),
		ExpiresAt:                     expiresAt,
	}
}

func testCodeGetAndConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c := newCode("code-1", future())
	require.NoError(t, s.SaveAuthorizationCode(ctx, c))

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, c.UpstreamCode, got.UpstreamCode)
	assert.Equal(t, c.UpstreamCodeVerifier, got.UpstreamCodeVerifier)
	assert.Equal(t, c.RedirectURI, got.RedirectURI)
	assert.True(t, c.ExpiresAt.Equal(got.ExpiresAt))

	// Get does not consume
	_, err = s.GetAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)

	got, err = s.ConsumeAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	_, err = s.ConsumeAuthorizationCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetAuthorizationCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCodeExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("stale", past())))

	_, err := s.GetAuthorizationCode(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.ConsumeAuthorizationCode(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCodeDeleteIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("code-2", future())))
	require.NoError(t, s.DeleteAuthorizationCode(ctx, "code-2"))
	require.NoError(t, s.DeleteAuthorizationCode(ctx, "code-2"))

	_, err := s.GetAuthorizationCode(ctx, "code-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCodeConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("race", future())))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthorizationCode(ctx, "race")
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one consumer must win")
}

func testAccessTokenLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := &storage.AccessToken{
		Token:               "at-1",
		ClientID:            "client-1",
		Scopes:              []string{"openid", "email"},
		ExpiresAt:           future(),
		RefreshToken:        "rt-1",
		UpstreamAccessToken: "upstream-at",
	}
	require.NoError(t, s.SaveAccessToken(ctx, at))

	got, err := s.GetAccessToken(ctx, "at-1")
	require.NoError(t, err)
	assert.Equal(t, at.UpstreamAccessToken, got.UpstreamAccessToken)
	assert.Equal(t, at.RefreshToken, got.RefreshToken)
	assert.Equal(t, at.Scopes, got.Scopes)

	require.NoError(t, s.DeleteAccessToken(ctx, "at-1"))
	require.NoError(t, s.DeleteAccessToken(ctx, "at-1"))

	_, err = s.GetAccessToken(ctx, "at-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAccessTokenExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAccessToken(ctx, &storage.AccessToken{Token: "old", ClientID: "c", ExpiresAt: past()}))

	_, err := s.GetAccessToken(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRefreshTokenLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rt := &storage.RefreshToken{
		Token:                "rt-1",
		ClientID:             "client-1",
		Scopes:               []string{"openid"},
		ExpiresAt:            future(),
		AccessToken:          "at-1",
		UpstreamRefreshToken: "upstream-rt",
	}
	require.NoError(t, s.SaveRefreshToken(ctx, rt))

	got, err := s.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, rt.UpstreamRefreshToken, got.UpstreamRefreshToken)
	assert.Equal(t, rt.AccessToken, got.AccessToken)

	require.NoError(t, s.DeleteRefreshToken(ctx, "rt-1"))
	_, err = s.GetRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "rt-old", ClientID: "c", ExpiresAt: past()}))
	_, err = s.GetRefreshToken(ctx, "rt-old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRefreshTokenConsumeOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "rt-2", ClientID: "c", ExpiresAt: future()}))

	_, err := s.ConsumeRefreshToken(ctx, "rt-2")
	require.NoError(t, err)
	_, err = s.ConsumeRefreshToken(ctx, "rt-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("live", future())))
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("dead", past())))
	require.NoError(t, s.SavePendingAuthorization(ctx, newPending("dead-state", past())))

	_, err := s.DeleteExpired(ctx)
	require.NoError(t, err)

	_, err = s.GetAuthorizationCode(ctx, "live")
	assert.NoError(t, err)
	_, err = s.GetAuthorizationCode(ctx, "dead")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
