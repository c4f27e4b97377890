package singlestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/singlestore-labs/mcp-oauth/providers"
	"github.com/singlestore-labs/mcp-oauth/providers/oidc"
)

func newTestProvider(t *testing.T, tokenHandler http.HandlerFunc) (*Provider, *httptest.Server) {
	t.Helper()
	if tokenHandler == nil {
		tokenHandler = func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "at", "token_type": "Bearer", "expires_in": 3600})
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", tokenHandler)
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	p, err := NewProvider(&Config{
		ClientID:    "mcp-server-client",
		RedirectURL: "http://localhost:8000/callback",
		Discovery: &oidc.DiscoveryDocument{
			Issuer:                "https://authsvc.singlestore.com",
			AuthorizationEndpoint: "https://authsvc.singlestore.com/auth/oauth2/auth",
			TokenEndpoint:         server.URL + "/token",
			JWKSUri:               "https://authsvc.singlestore.com/auth/oauth2/jwks",
			RevocationEndpoint:    server.URL + "/revoke",
		},
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p, server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewProvider(t *testing.T) {
	doc := &oidc.DiscoveryDocument{AuthorizationEndpoint: "https://a/auth", TokenEndpoint: "https://a/token"}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"valid", &Config{ClientID: "c", RedirectURL: "http://localhost/callback", Discovery: doc}, false},
		{"missing client ID", &Config{RedirectURL: "http://localhost/callback", Discovery: doc}, true},
		{"missing redirect URL", &Config{ClientID: "c", Discovery: doc}, true},
		{"missing discovery", &Config{ClientID: "c", RedirectURL: "http://localhost/callback"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && p.Name() != "singlestore" {
				t.Errorf("Name() = %q", p.Name())
			}
		})
	}
}

func TestAuthorizationURL(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	raw := p.AuthorizationURL("internal-state", "upstream-challenge", []string{"openid", "offline_access"})
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL: %v", err)
	}

	if !strings.HasPrefix(raw, "https://authsvc.singlestore.com/auth/oauth2/auth?") {
		t.Errorf("URL = %s, want upstream authorization endpoint", raw)
	}

	q := u.Query()
	want := map[string]string{
		"client_id":             "mcp-server-client",
		"redirect_uri":          "http://localhost:8000/callback",
		"response_type":         "code",
		"state":                 "internal-state",
		"code_challenge":        "upstream-challenge",
		"code_challenge_method": "S256",
		"scope":                 "openid offline_access",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestExchangeCode(t *testing.T) {
	var calls atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code_verifier"); got != "upstream-verifier" {
			t.Errorf("code_verifier = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "mcp-server-client" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.PostForm.Get("redirect_uri"); got != "http://localhost:8000/callback" {
			t.Errorf("redirect_uri = %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "upstream-at",
			"refresh_token": "upstream-rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	tok, err := p.ExchangeCode(context.Background(), "upstream-code", "upstream-verifier")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if tok.AccessToken != "upstream-at" || tok.RefreshToken != "upstream-rt" {
		t.Errorf("token = %+v", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly one upstream request, got %d", calls.Load())
	}
}

func TestExchangeCodeFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    map[string]any
		wantErr error
	}{
		{
			name:    "upstream 400",
			status:  http.StatusBadRequest,
			body:    map[string]any{"error": "invalid_grant"},
			wantErr: providers.ErrUpstreamRejected,
		},
		{
			name:    "upstream 503",
			status:  http.StatusServiceUnavailable,
			body:    map[string]any{"error": "temporarily_unavailable"},
			wantErr: providers.ErrUpstreamUnavailable,
		},
		{
			name:    "missing access token",
			status:  http.StatusOK,
			body:    map[string]any{"token_type": "Bearer", "expires_in": 3600},
			wantErr: providers.ErrUpstreamRejected,
		},
		{
			name:    "zero expires_in",
			status:  http.StatusOK,
			body:    map[string]any{"access_token": "at", "token_type": "Bearer", "expires_in": 0},
			wantErr: providers.ErrUpstreamRejected,
		},
		{
			name:    "negative expires_in",
			status:  http.StatusOK,
			body:    map[string]any{"access_token": "at", "token_type": "Bearer", "expires_in": -5},
			wantErr: providers.ErrUpstreamRejected,
		},
		{
			name:    "not a bearer token",
			status:  http.StatusOK,
			body:    map[string]any{"access_token": "at", "token_type": "mac", "expires_in": 3600},
			wantErr: providers.ErrUpstreamRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := p.ExchangeCode(context.Background(), "code", "verifier")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ExchangeCode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExchangeCodeNetworkFailure(t *testing.T) {
	p, server := newTestProvider(t, func(http.ResponseWriter, *http.Request) {})
	server.Close()

	_, err := p.ExchangeCode(context.Background(), "code", "verifier")
	if !errors.Is(err, providers.ErrUpstreamUnavailable) {
		t.Errorf("ExchangeCode() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestRefreshToken(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "upstream-rt" {
			t.Errorf("refresh_token = %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "upstream-at-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	tok, err := p.RefreshToken(context.Background(), "upstream-rt")
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if tok.AccessToken != "upstream-at-2" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "upstream-rt" {
		t.Errorf("RefreshToken = %q, want the original when not rotated", tok.RefreshToken)
	}
}

func TestRevokeToken(t *testing.T) {
	p, _ := newTestProvider(t, nil)
	if err := p.RevokeToken(context.Background(), "upstream-at"); err != nil {
		t.Errorf("RevokeToken() error = %v", err)
	}

	p.revocationURL = ""
	if err := p.RevokeToken(context.Background(), "upstream-at"); err != nil {
		t.Errorf("RevokeToken() without endpoint error = %v", err)
	}
}
