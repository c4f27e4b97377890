package singlestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/providers"
	"github.com/singlestore-labs/mcp-oauth/providers/oidc"
)

const providerName = "singlestore"

// Config holds SingleStore OAuth configuration.
type Config struct {
	ClientID string

	// ClientSecret is empty for the public client used by the MCP server.
	ClientSecret string

	// RedirectURL is this server's own /callback URL.
	RedirectURL string

	// Discovery is the upstream discovery document.
	Discovery *oidc.DiscoveryDocument

	HTTPClient      *http.Client // optional
	Instrumentation *instrumentation.Instrumentation
}

// Provider implements providers.Provider for SingleStore.
type Provider struct {
	config        *oauth2.Config
	revocationURL string
	httpClient    *http.Client
	inst          *instrumentation.Instrumentation
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates a SingleStore provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}
	if cfg.Discovery == nil {
		return nil, fmt.Errorf("discovery document is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.Discovery.AuthorizationEndpoint,
				TokenURL:  cfg.Discovery.TokenEndpoint,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revocationURL: cfg.Discovery.RevocationEndpoint,
		httpClient:    httpClient,
		inst:          cfg.Instrumentation,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the upstream authorize URL with this server's
// client ID, callback, state and S256 challenge.
func (p *Provider) AuthorizationURL(state, codeChallenge string, scopes []string) string {
	cfg := *p.config
	cfg.Scopes = scopes

	return cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode exchanges an upstream code. It makes exactly one request.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (token *oauth2.Token, err error) {
	defer p.observe(ctx, "exchange_code", time.Now(), &err)
	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, codeVerifier)
}

// RefreshToken redeems an upstream refresh token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (token *oauth2.Token, err error) {
	defer p.observe(ctx, "refresh_token", time.Now(), &err)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err = src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", providers.ClassifyExchangeError(err))
	}
	if err := providers.ValidateUpstreamToken(token, time.Now()); err != nil {
		return nil, err
	}
	// the provider may not rotate; keep the old refresh token usable
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// RevokeToken revokes a token at the discovered revocation endpoint, if any.
func (p *Provider) RevokeToken(ctx context.Context, token string) (err error) {
	if p.revocationURL == "" {
		return nil
	}
	defer p.observe(ctx, "revoke_token", time.Now(), &err)

	data := url.Values{}
	data.Set("token", token)
	data.Set("client_id", p.config.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) observe(ctx context.Context, op string, start time.Time, errp *error) {
	if p.inst == nil {
		return
	}
	status := http.StatusOK
	if *errp != nil {
		status = http.StatusBadRequest
		if providers.IsUnavailable(*errp) {
			status = http.StatusBadGateway
		}
	}
	p.inst.Metrics().RecordProviderAPICall(ctx, providerName, op, status,
		float64(time.Since(start).Microseconds())/1000, *errp)
}
