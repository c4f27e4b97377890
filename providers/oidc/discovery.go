package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a discovery request.
const DefaultTimeout = 10 * time.Second

// maximum accepted size of a discovery document
const maxDocumentBytes = 1 << 20

// DiscoveryDocument is the subset of the OpenID Provider metadata this
// server uses. Issuer, AuthorizationEndpoint, TokenEndpoint and JWKSUri are
// mandatory.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JWKSUri                       string   `json:"jwks_uri"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// DiscoveryError reports a failure to fetch or accept a discovery document.
// A server must not start after one.
type DiscoveryError struct {
	Issuer string
	Reason string
	Err    error
}

func (e *DiscoveryError) Error() string {
	msg := fmt.Sprintf("oidc discovery for %s failed: %s", e.Issuer, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// IsDiscoveryError reports whether err is, or wraps, a *DiscoveryError.
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// DiscoveryClient fetches discovery documents and caches them for the
// lifetime of the process. There is no refresh; endpoint changes at the
// provider need a restart. Concurrent first calls for the same issuer share
// one request.
type DiscoveryClient struct {
	httpClient     *http.Client
	cache          sync.Map // issuer -> *DiscoveryDocument
	group          singleflight.Group
	logger         *slog.Logger
	skipValidation bool // tests only: allow loopback issuers
}

// NewDiscoveryClient creates a discovery client. A nil httpClient gets a
// client with DefaultTimeout; a nil logger uses slog.Default().
func NewDiscoveryClient(httpClient *http.Client, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryClient{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Discover returns the discovery document for issuerURL, fetching
// issuerURL + "/.well-known/openid-configuration" on first use. Every
// failure is a *DiscoveryError.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	issuerURL = strings.TrimSuffix(issuerURL, "/")

	if cached, ok := c.cache.Load(issuerURL); ok {
		return cached.(*DiscoveryDocument), nil
	}

	v, err, _ := c.group.Do(issuerURL, func() (any, error) {
		if cached, ok := c.cache.Load(issuerURL); ok {
			return cached, nil
		}
		doc, err := c.fetch(ctx, issuerURL)
		if err != nil {
			return nil, err
		}
		c.cache.Store(issuerURL, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DiscoveryDocument), nil
}

func (c *DiscoveryClient) fetch(ctx context.Context, issuerURL string) (*DiscoveryDocument, error) {
	fail := func(reason string, err error) error {
		return &DiscoveryError{Issuer: issuerURL, Reason: reason, Err: err}
	}

	if !c.skipValidation {
		if err := ValidateIssuerURL(issuerURL); err != nil {
			return nil, fail("invalid issuer URL", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	discoveryURL := issuerURL + "/.well-known/openid-configuration"
	c.logger.Debug("Fetching OIDC discovery document", "url", discoveryURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fail("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fail("request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, fail("invalid JSON", err)
	}
	if err := validateDocument(&doc); err != nil {
		return nil, fail("invalid document", err)
	}

	c.logger.Info("OIDC discovery successful",
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint,
		"jwks_uri", doc.JWKSUri)

	return &doc, nil
}

// validateDocument requires the four mandatory fields and HTTPS on every
// endpoint that is present.
func validateDocument(doc *DiscoveryDocument) error {
	required := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"jwks_uri", doc.JWKSUri},
	}
	for _, endpoint := range required {
		if endpoint.url == "" {
			return fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", endpoint.name, endpoint.url)
		}
	}

	optional := []struct {
		name string
		url  string
	}{
		{"userinfo_endpoint", doc.UserInfoEndpoint},
		{"revocation_endpoint", doc.RevocationEndpoint},
	}
	for _, endpoint := range optional {
		if endpoint.url != "" && !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS if present: %s", endpoint.name, endpoint.url)
		}
	}

	return nil
}

// ClearCache drops every cached document.
func (c *DiscoveryClient) ClearCache() {
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		return true
	})
}
