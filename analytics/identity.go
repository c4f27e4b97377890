package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultIdentityCacheTTL matches the lifetime of an issued access token.
	DefaultIdentityCacheTTL = time.Hour

	defaultLookupTimeout = 10 * time.Second
	maxUsersResponseSize = 1 << 20
)

// ErrNoUser is returned when the management API lists no usable user.
var ErrNoUser = errors.New("no user returned by management API")

// IdentityResolverConfig configures an IdentityResolver.
type IdentityResolverConfig struct {
	// APIBaseURL is the management API root, e.g. https://api.singlestore.com.
	APIBaseURL string

	// OrganizationID is sent as organizationID when set.
	OrganizationID string

	HTTPClient *http.Client
	CacheTTL   time.Duration
}

// IdentityResolver resolves the user behind an upstream access token.
type IdentityResolver struct {
	usersURL   string
	orgID      string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedIdentity
}

type cachedIdentity struct {
	userID    string
	expiresAt time.Time
}

// NewIdentityResolver creates a resolver.
func NewIdentityResolver(cfg IdentityResolverConfig) (*IdentityResolver, error) {
	if cfg.APIBaseURL == "" {
		return nil, errors.New("management API base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultLookupTimeout}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultIdentityCacheTTL
	}
	return &IdentityResolver{
		usersURL:   strings.TrimSuffix(cfg.APIBaseURL, "/") + "/v1/users",
		orgID:      cfg.OrganizationID,
		httpClient: httpClient,
		ttl:        ttl,
		now:        time.Now,
		cache:      make(map[string]cachedIdentity),
	}, nil
}

// Resolve returns the user ID for token. The lock is never held across the
// HTTP call; concurrent lookups of one token share a single request.
func (r *IdentityResolver) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("token is required")
	}
	key := tokenKey(token)

	if id, ok := r.cached(key); ok {
		return id, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		id, err := r.fetch(ctx, token)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[key] = cachedIdentity{userID: id, expiresAt: r.now().Add(r.ttl)}
		r.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *IdentityResolver) cached(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return "", false
	}
	if !r.now().Before(entry.expiresAt) {
		delete(r.cache, key)
		return "", false
	}
	return entry.userID, true
}

// Forget drops the cached identity for token, e.g. after revocation.
func (r *IdentityResolver) Forget(token string) {
	r.mu.Lock()
	delete(r.cache, tokenKey(token))
	r.mu.Unlock()
}

func (r *IdentityResolver) fetch(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultLookupTimeout)
	defer cancel()

	endpoint := r.usersURL
	if r.orgID != "" {
		endpoint += "?" + url.Values{"organizationID": {r.orgID}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build users request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("users request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("users request returned status %d", resp.StatusCode)
	}

	var users []struct {
		UserID string `json:"userID"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUsersResponseSize)).Decode(&users); err != nil {
		return "", fmt.Errorf("failed to decode users response: %w", err)
	}
	if len(users) == 0 || users[0].UserID == "" {
		return "", ErrNoUser
	}
	return users[0].UserID, nil
}

// tokenKey keeps raw tokens out of the cache map.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
