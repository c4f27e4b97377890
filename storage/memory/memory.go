package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/internal/util"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

const (
	backendName = "memory"

	// number of characters of a code or token to include in logs
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	pending       map[string]*storage.PendingAuthorization
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// read lock-free by metric callbacks
	clientsCount atomic.Int64
	pendingCount atomic.Int64
	codesCount   atomic.Int64
	tokensCount  atomic.Int64

	now      func() time.Time
	observer *storage.Observer
	logger   *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates a store without a background sweeper; expiry is enforced on read.
func New() *Store {
	return &Store{
		clients:       make(map[string]*storage.Client),
		pending:       make(map[string]*storage.PendingAuthorization),
		codes:         make(map[string]*storage.AuthorizationCode),
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		now:           time.Now,
		logger:        slog.Default(),
		stopCleanup:   make(chan struct{}),
	}
}

// NewWithInterval creates a store that also sweeps expired records every
// cleanupInterval. A non-positive interval defaults to one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := New()
	s.cleanupInterval = cleanupInterval
	go s.cleanupLoop()
	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces time.Now, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.observer = storage.NewObserver(backendName, inst)
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		s.clientsCount.Load,
		s.pendingCount.Load,
		s.codesCount.Load,
		s.tokensCount.Load,
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop ends the background sweeper, if any. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.Stop()
	return nil
}

func (s *Store) start(ctx context.Context, op string) (context.Context, func(error)) {
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	return o.Start(ctx, op)
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a client; an existing registration is replaced.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientsCount.Add(1)
	}
	s.clients[client.ClientID] = cloneClient(client)

	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (c *storage.Client, err error) {
	_, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneClient(client), nil
}

// ============================================================
// FlowStore
// ============================================================

// SavePendingAuthorization stores an authorize request keyed by its internal state.
func (s *Store) SavePendingAuthorization(ctx context.Context, p *storage.PendingAuthorization) (err error) {
	_, done := s.start(ctx, "save_pending")
	defer func() { done(err) }()

	if p == nil || p.State == "" {
		return fmt.Errorf("state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[p.State]; !exists {
		s.pendingCount.Add(1)
	}
	cp := *p
	cp.Scopes = slices.Clone(p.Scopes)
	s.pending[p.State] = &cp

	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending authorization.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, state string) (p *storage.PendingAuthorization, err error) {
	_, done := s.start(ctx, "consume_pending")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[state]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.pending, state)
	s.pendingCount.Add(-1)

	if storage.Expired(pending.ExpiresAt, s.now()) {
		s.logger.Debug("Pending authorization expired", "state_prefix", util.SafeTruncate(state, tokenIDLogLength))
		return nil, storage.ErrNotFound
	}
	return pending, nil
}

// SaveAuthorizationCode stores an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.start(ctx, "save_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; !exists {
		s.codesCount.Add(1)
	}
	cp := *code
	cp.Scopes = slices.Clone(code.Scopes)
	s.codes[code.Code] = &cp

	return nil
}

// GetAuthorizationCode retrieves a code, deleting it if expired.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (c *storage.AuthorizationCode, err error) {
	_, done := s.start(ctx, "get_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.Expired(authCode.ExpiresAt, s.now()) {
		delete(s.codes, code)
		s.codesCount.Add(-1)
		return nil, storage.ErrNotFound
	}

	cp := *authCode
	cp.Scopes = slices.Clone(authCode.Scopes)
	return &cp, nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (c *storage.AuthorizationCode, err error) {
	_, done := s.start(ctx, "consume_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.codes, code)
	s.codesCount.Add(-1)

	if storage.Expired(authCode.ExpiresAt, s.now()) {
		return nil, storage.ErrNotFound
	}
	return authCode, nil
}

// DeleteAuthorizationCode removes a code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	_, done := s.start(ctx, "delete_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; ok {
		delete(s.codes, code)
		s.codesCount.Add(-1)
	}
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	_, done := s.start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accessTokens[token.Token]; !exists {
		s.tokensCount.Add(1)
	}
	cp := *token
	cp.Scopes = slices.Clone(token.Scopes)
	s.accessTokens[token.Token] = &cp

	return nil
}

// GetAccessToken retrieves an access token, deleting it if expired.
func (s *Store) GetAccessToken(ctx context.Context, token string) (t *storage.AccessToken, err error) {
	_, done := s.start(ctx, "get_access_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.Expired(at.ExpiresAt, s.now()) {
		delete(s.accessTokens, token)
		s.tokensCount.Add(-1)
		s.logger.Debug("Access token expired", "token_prefix", util.SafeTruncate(token, tokenIDLogLength))
		return nil, storage.ErrNotFound
	}

	cp := *at
	cp.Scopes = slices.Clone(at.Scopes)
	return &cp, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (err error) {
	_, done := s.start(ctx, "delete_access_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[token]; ok {
		delete(s.accessTokens, token)
		s.tokensCount.Add(-1)
	}
	return nil
}

// SaveRefreshToken stores a refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, done := s.start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Token]; !exists {
		s.tokensCount.Add(1)
	}
	cp := *token
	cp.Scopes = slices.Clone(token.Scopes)
	s.refreshTokens[token.Token] = &cp

	return nil
}

// GetRefreshToken retrieves a refresh token, deleting it if expired.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (t *storage.RefreshToken, err error) {
	_, done := s.start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.Expired(rt.ExpiresAt, s.now()) {
		delete(s.refreshTokens, token)
		s.tokensCount.Add(-1)
		return nil, storage.ErrNotFound
	}

	cp := *rt
	cp.Scopes = slices.Clone(rt.Scopes)
	return &cp, nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (t *storage.RefreshToken, err error) {
	_, done := s.start(ctx, "consume_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refreshTokens, token)
	s.tokensCount.Add(-1)

	if storage.Expired(rt.ExpiresAt, s.now()) {
		return nil, storage.ErrNotFound
	}
	return rt, nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (err error) {
	_, done := s.start(ctx, "delete_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[token]; ok {
		delete(s.refreshTokens, token)
		s.tokensCount.Add(-1)
	}
	return nil
}

// ============================================================
// Sweeper
// ============================================================

// DeleteExpired removes every expired pending authorization, code and token.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	now := s.now()
	cleaned := 0

	for k, v := range s.pending {
		if storage.Expired(v.ExpiresAt, now) {
			delete(s.pending, k)
			s.pendingCount.Add(-1)
			cleaned++
		}
	}
	for k, v := range s.codes {
		if storage.Expired(v.ExpiresAt, now) {
			delete(s.codes, k)
			s.codesCount.Add(-1)
			cleaned++
		}
	}
	for k, v := range s.accessTokens {
		if storage.Expired(v.ExpiresAt, now) {
			delete(s.accessTokens, k)
			s.tokensCount.Add(-1)
			cleaned++
		}
	}
	for k, v := range s.refreshTokens {
		if storage.Expired(v.ExpiresAt, now) {
			delete(s.refreshTokens, k)
			s.tokensCount.Add(-1)
			cleaned++
		}
	}
	o := s.observer
	s.mu.Unlock()

	o.Swept(ctx, cleaned)
	return cleaned, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if n, _ := s.DeleteExpired(context.Background()); n > 0 {
				s.logger.Debug("Cleaned up expired entries", "count", n)
			}
		}
	}
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &cp
}
