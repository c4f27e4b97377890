// Package verifier validates upstream-issued ES512 JWT access tokens against
// the provider's JWKS.
//
// VerifyToken separates two outcomes callers must not confuse: a bad token
// (wrong signature, expired, wrong audience, other algorithm, malformed,
// unknown key) yields (nil, nil), while a JWKS that cannot be fetched yields
// a non-nil error. The first means "unauthenticated", the second "could not
// check".
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/singlestore-labs/mcp-oauth/internal/util"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

const (
	// Algorithm is the only accepted signing algorithm.
	Algorithm = "ES512"

	fetchTimeout = 10 * time.Second

	// minimum time between forced JWKS refreshes triggered by unknown kids
	defaultRefreshInterval = time.Minute
)

// ErrJWKSUnavailable wraps every JWKS retrieval failure.
var ErrJWKSUnavailable = errors.New("jwks unavailable")

// Config configures a Verifier.
type Config struct {
	// JWKSURL is the provider's jwks_uri.
	JWKSURL string

	// Audience must be present in the token's aud claim. For SingleStore
	// this is the server's upstream client ID.
	Audience string

	// Issuer, when set, must equal the iss claim.
	Issuer string

	// DefaultScopes are reported when the token carries no scope claim.
	// Defaults to ["openid"].
	DefaultScopes []string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Verifier validates JWTs. It is safe for concurrent use.
type Verifier struct {
	cache         *jwk.Cache
	jwksURL       string
	audience      string
	issuer        string
	defaultScopes []string
	logger        *slog.Logger
	now           func() time.Time

	// loaded is set once a fetch has succeeded; until then every lookup
	// fetches synchronously.
	loaded atomic.Bool
	fetch  singleflight.Group

	mu              sync.Mutex
	lastRefresh     time.Time
	refreshInterval time.Duration
}

// Claims are the JWT claims this server reads.
type Claims struct {
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// New creates a verifier. The JWKS URL is registered without waiting for the
// first fetch, so a provider outage at startup surfaces as an infrastructure
// error on requests until the endpoint recovers.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("JWKS URL is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scopes := cfg.DefaultScopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	if err := cache.Register(ctx, cfg.JWKSURL, jwk.WithWaitReady(false)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	return &Verifier{
		cache:           cache,
		jwksURL:         cfg.JWKSURL,
		audience:        cfg.Audience,
		issuer:          cfg.Issuer,
		defaultScopes:   scopes,
		logger:          logger,
		now:             time.Now,
		refreshInterval: defaultRefreshInterval,
	}, nil
}

// keySet returns the cached key set, fetching it when no fetch has
// succeeded yet.
func (v *Verifier) keySet(ctx context.Context) (jwk.Set, error) {
	if v.loaded.Load() {
		if set, err := v.cache.Lookup(ctx, v.jwksURL); err == nil {
			return set, nil
		}
	}
	return v.refresh(ctx)
}

// refresh fetches the JWKS now. Concurrent callers share one request and no
// lock is held while it runs.
func (v *Verifier) refresh(ctx context.Context) (jwk.Set, error) {
	res, err, _ := v.fetch.Do(v.jwksURL, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		set, err := v.cache.Refresh(ctx, v.jwksURL)
		if err != nil {
			return nil, err
		}
		v.loaded.Store(true)
		v.mu.Lock()
		v.lastRefresh = v.now()
		v.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrJWKSUnavailable, v.jwksURL, err)
	}
	return res.(jwk.Set), nil
}

// keyFor resolves the public key for kid. A kid missing from the cached set
// triggers at most one refresh per refresh interval, to pick up rotated keys.
// The bool result is false when the key is unknown.
func (v *Verifier) keyFor(ctx context.Context, kid string) (any, bool, error) {
	set, err := v.keySet(ctx)
	if err != nil {
		return nil, false, err
	}

	key, found := set.LookupKeyID(kid)
	if !found && v.refreshAllowed() {
		set, err = v.refresh(ctx)
		if err != nil {
			return nil, false, err
		}
		key, found = set.LookupKeyID(kid)
	}
	if !found {
		return nil, false, nil
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, false, nil
	}
	return raw, true, nil
}

func (v *Verifier) refreshAllowed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	if now.Sub(v.lastRefresh) < v.refreshInterval {
		return false
	}
	v.lastRefresh = now
	return true
}

// VerifyToken validates raw and returns the access token it represents.
// See the package documentation for the meaning of the two nil results.
func (v *Verifier) VerifyToken(ctx context.Context, raw string) (*storage.AccessToken, error) {
	var infraErr error

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		key, found, err := v.keyFor(ctx, kid)
		if err != nil {
			infraErr = err
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
		return key, nil
	}, opts...)

	if infraErr != nil {
		return nil, infraErr
	}
	if err != nil || !token.Valid {
		v.logger.Debug("Rejected JWT", "error", err, "token_prefix", util.SafeTruncate(raw, 8))
		return nil, nil
	}

	return v.accessToken(raw, claims), nil
}

func (v *Verifier) accessToken(raw string, claims *Claims) *storage.AccessToken {
	at := &storage.AccessToken{
		Token:    raw,
		ClientID: claims.ClientID,
		Scopes:   v.defaultScopes,
	}
	if scopes := strings.Fields(claims.Scope); len(scopes) > 0 {
		at.Scopes = scopes
	}
	if claims.ExpiresAt != nil {
		at.ExpiresAt = claims.ExpiresAt.Time
	}
	if len(claims.Audience) > 0 {
		at.Resource = claims.Audience[0]
	}
	return at
}
