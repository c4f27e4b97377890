// Package mock provides a scripted providers.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/singlestore-labs/mcp-oauth/providers"
)

// AuthorizeEndpoint is the upstream authorize URL the mock builds on.
const AuthorizeEndpoint = "https://mock.example.com/authorize"

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state, codeChallenge string, scopes []string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshTokenFunc is called when RefreshToken() is invoked
	RefreshTokenFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeTokenFunc is called when RevokeToken() is invoked
	RevokeTokenFunc func(ctx context.Context, token string) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock whose upstream accepts every code and
// refresh token.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		AuthorizationURLFunc: func(state, codeChallenge string, scopes []string) string {
			q := url.Values{}
			q.Set("client_id", "mock-upstream-client")
			q.Set("response_type", "code")
			q.Set("state", state)
			q.Set("code_challenge", codeChallenge)
			q.Set("code_challenge_method", "S256")
			q.Set("scope", strings.Join(scopes, " "))
			return AuthorizeEndpoint + "?" + q.Encode()
		},
		ExchangeCodeFunc: func(_ context.Context, code, _ string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "upstream-at-" + code,
				TokenType:    "Bearer",
				RefreshToken: "upstream-rt-" + code,
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RefreshTokenFunc: func(_ context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "refreshed-" + refreshToken,
				TokenType:    "Bearer",
				RefreshToken: refreshToken + "-next",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RevokeTokenFunc: func(context.Context, string) error {
			return nil
		},
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	m.count("Name")
	return "mock"
}

// AuthorizationURL generates the URL to redirect users for authentication
func (m *MockProvider) AuthorizationURL(state, codeChallenge string, scopes []string) string {
	// Release the lock before calling the user function; it may call other
	// mock methods.
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return AuthorizeEndpoint + "?state=" + url.QueryEscape(state)
	}
	return fn(state, codeChallenge, scopes)
}

// ExchangeCode exchanges an authorization code for tokens
func (m *MockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.CallCounts["ExchangeCode"]++
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code, codeVerifier)
}

// RefreshToken refreshes an upstream token
func (m *MockProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.CallCounts["RefreshToken"]++
	fn := m.RefreshTokenFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return fn(ctx, refreshToken)
}

// RevokeToken revokes a token at the provider
func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	m.mu.Lock()
	m.CallCounts["RevokeToken"]++
	fn := m.RevokeTokenFunc
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, token)
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

func (m *MockProvider) count(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}
