package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/singlestore-labs/mcp-oauth/pkce"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString returns a URL-safe random string of exactly length characters.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns a valid S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	return pkce.Challenge(verifier), verifier
}

// GenerateTestClient creates a public client with one localhost redirect URI.
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                GenerateRandomString(16),
		ClientName:              "Test Client",
		RedirectURIs:            []string{"http://localhost:3000/callback"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPendingAuthorization creates a pending authorization expiring in ten minutes.
func GenerateTestPendingAuthorization() *storage.PendingAuthorization {
	challenge, _ := GeneratePKCEPair()
	return &storage.PendingAuthorization{
		State:                         GenerateRandomString(43),
		ClientID:                      GenerateRandomString(16),
		Scopes:                        []string{"openid", "email"},
		RedirectURI:                   "http://localhost:3000/callback",
		RedirectURIProvidedExplicitly: true,
		CodeChallenge:                 challenge,
		CodeChallengeMethod:           pkce.MethodS256,
		ClientState:                   GenerateRandomString(16),
		UpstreamCodeVerifier:          GenerateRandomString(64),
		CreatedAt:                     time.Now(),
		ExpiresAt:                     time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestAuthorizationCode creates an authorization code expiring in ten minutes.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                          GenerateRandomString(43),
		ClientID:                      GenerateRandomString(16),
		RedirectURI:                   "http://localhost:3000/callback",
		RedirectURIProvidedExplicitly: true,
		Scopes:                        []string{"openid"},
		CodeChallenge:                 challenge,
		CodeChallengeMethod:           pkce.MethodS256,
		UpstreamCode:                  GenerateRandomString(32),
		UpstreamCodeVerifier:          GenerateRandomString(64),
		CreatedAt:                     time.Now(),
		ExpiresAt:                     time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestAccessToken creates an access token expiring in one hour.
func GenerateTestAccessToken() *storage.AccessToken {
	return &storage.AccessToken{
		Token:               GenerateRandomString(43),
		ClientID:            GenerateRandomString(16),
		Scopes:              []string{"openid"},
		ExpiresAt:           time.Now().Add(time.Hour),
		UpstreamAccessToken: GenerateRandomString(32),
	}
}
