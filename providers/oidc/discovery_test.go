package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient creates a discovery client that accepts the loopback
// addresses httptest servers listen on.
func newTestClient(httpClient *http.Client) *DiscoveryClient {
	client := NewDiscoveryClient(httpClient, slog.Default())
	client.skipValidation = true
	return client
}

var validDoc = DiscoveryDocument{
	Issuer:                        "https://authsvc.singlestore.com",
	AuthorizationEndpoint:         "https://authsvc.singlestore.com/auth/oauth2/auth",
	TokenEndpoint:                 "https://authsvc.singlestore.com/auth/oauth2/token",
	JWKSUri:                       "https://authsvc.singlestore.com/auth/oauth2/jwks",
	RevocationEndpoint:            "https://authsvc.singlestore.com/auth/oauth2/revoke",
	ScopesSupported:               []string{"openid", "offline"},
	CodeChallengeMethodsSupported: []string{"S256"},
}

func serveDocument(t *testing.T, doc any, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.URL.Path != "/.well-known/openid-configuration" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewDiscoveryClient(t *testing.T) {
	client := NewDiscoveryClient(nil, nil)
	if client.httpClient == nil {
		t.Fatal("httpClient should be initialized with default")
	}
	if client.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, DefaultTimeout)
	}
	if client.logger == nil {
		t.Error("logger should be initialized with default")
	}
}

func TestDiscoveryClient_Discover(t *testing.T) {
	t.Run("successful discovery", func(t *testing.T) {
		server := serveDocument(t, validDoc, nil)

		client := newTestClient(server.Client())
		doc, err := client.Discover(context.Background(), server.URL)
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}

		if doc.Issuer != validDoc.Issuer {
			t.Errorf("Issuer = %v, want %v", doc.Issuer, validDoc.Issuer)
		}
		if doc.TokenEndpoint != validDoc.TokenEndpoint {
			t.Errorf("TokenEndpoint = %v, want %v", doc.TokenEndpoint, validDoc.TokenEndpoint)
		}
		if doc.JWKSUri != validDoc.JWKSUri {
			t.Errorf("JWKSUri = %v, want %v", doc.JWKSUri, validDoc.JWKSUri)
		}
	})

	t.Run("trailing slash on issuer", func(t *testing.T) {
		server := serveDocument(t, validDoc, nil)

		client := newTestClient(server.Client())
		if _, err := client.Discover(context.Background(), server.URL+"/"); err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
	})

	t.Run("cached for the process lifetime", func(t *testing.T) {
		var calls atomic.Int32
		server := serveDocument(t, validDoc, &calls)

		client := newTestClient(server.Client())
		for i := 0; i < 3; i++ {
			if _, err := client.Discover(context.Background(), server.URL); err != nil {
				t.Fatalf("Discover() error = %v", err)
			}
		}
		if calls.Load() != 1 {
			t.Errorf("expected 1 HTTP call, got %d", calls.Load())
		}
	})

	t.Run("concurrent first calls share one request", func(t *testing.T) {
		var calls atomic.Int32
		server := serveDocument(t, validDoc, &calls)
		client := newTestClient(server.Client())

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := client.Discover(context.Background(), server.URL); err != nil {
					t.Errorf("Discover() error = %v", err)
				}
			}()
		}
		wg.Wait()

		if calls.Load() > 2 {
			t.Errorf("expected concurrent calls to be deduplicated, got %d requests", calls.Load())
		}
	})

	t.Run("ClearCache forces a refetch", func(t *testing.T) {
		var calls atomic.Int32
		server := serveDocument(t, validDoc, &calls)
		client := newTestClient(server.Client())

		_, _ = client.Discover(context.Background(), server.URL)
		client.ClearCache()
		_, _ = client.Discover(context.Background(), server.URL)

		if calls.Load() != 2 {
			t.Errorf("expected 2 HTTP calls, got %d", calls.Load())
		}
	})
}

func TestDiscoveryClient_DiscoverErrors(t *testing.T) {
	missing := func(mutate func(*DiscoveryDocument)) DiscoveryDocument {
		doc := validDoc
		mutate(&doc)
		return doc
	}

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "404 not found",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "not found", http.StatusNotFound)
			},
			wantErr: "status 404",
		},
		{
			name: "500 server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantErr: "status 500",
		},
		{
			name: "malformed JSON",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
			wantErr: "invalid JSON",
		},
		{
			name:    "missing issuer",
			handler: jsonHandler(missing(func(d *DiscoveryDocument) { d.Issuer = "" })),
			wantErr: "issuer is required",
		},
		{
			name:    "missing authorization_endpoint",
			handler: jsonHandler(missing(func(d *DiscoveryDocument) { d.AuthorizationEndpoint = "" })),
			wantErr: "authorization_endpoint is required",
		},
		{
			name:    "missing token_endpoint",
			handler: jsonHandler(missing(func(d *DiscoveryDocument) { d.TokenEndpoint = "" })),
			wantErr: "token_endpoint is required",
		},
		{
			name:    "missing jwks_uri",
			handler: jsonHandler(missing(func(d *DiscoveryDocument) { d.JWKSUri = "" })),
			wantErr: "jwks_uri is required",
		},
		{
			name: "SECURITY: HTTP endpoint in document",
			handler: jsonHandler(missing(func(d *DiscoveryDocument) {
				d.AuthorizationEndpoint = "http://authsvc.singlestore.com/auth"
			})),
			wantErr: "must use HTTPS",
		},
		{
			name: "SECURITY: HTTP optional endpoint",
			handler: jsonHandler(missing(func(d *DiscoveryDocument) {
				d.RevocationEndpoint = "http://authsvc.singlestore.com/revoke"
			})),
			wantErr: "must use HTTPS if present",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewTLSServer(tt.handler)
			defer server.Close()

			client := newTestClient(server.Client())
			_, err := client.Discover(context.Background(), server.URL)
			if err == nil {
				t.Fatal("Discover() should fail")
			}

			var de *DiscoveryError
			if !errors.As(err, &de) {
				t.Fatalf("error type = %T, want *DiscoveryError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDiscoveryClient_FailuresAreNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(validDoc)
	}))
	defer server.Close()

	client := newTestClient(server.Client())
	if _, err := client.Discover(context.Background(), server.URL); err == nil {
		t.Fatal("first Discover() should fail")
	}

	fail.Store(false)
	if _, err := client.Discover(context.Background(), server.URL); err != nil {
		t.Fatalf("second Discover() error = %v", err)
	}
}

func TestDiscoveryClient_NetworkFailure(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	httpClient := server.Client()
	server.Close()

	client := newTestClient(httpClient)
	_, err := client.Discover(context.Background(), url)
	if !IsDiscoveryError(err) {
		t.Fatalf("error = %v, want *DiscoveryError", err)
	}
}

func TestDiscoveryClient_ContextCancellation(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := newTestClient(server.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := client.Discover(ctx, server.URL); !IsDiscoveryError(err) {
		t.Errorf("error = %v, want *DiscoveryError", err)
	}
}

func TestDiscoveryClient_IssuerValidation(t *testing.T) {
	tests := []struct {
		issuer  string
		wantErr string
	}{
		{"http://authsvc.singlestore.com", "must use HTTPS"},
		{"https://10.0.0.1", "private IP"},
		{"https://127.0.0.1", "loopback"},
	}

	for _, tt := range tests {
		t.Run(tt.issuer, func(t *testing.T) {
			client := NewDiscoveryClient(nil, slog.Default())
			_, err := client.Discover(context.Background(), tt.issuer)
			if !IsDiscoveryError(err) {
				t.Fatalf("error = %v, want *DiscoveryError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func jsonHandler(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}
