package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/security"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

const (
	backendName = "redis"

	// DefaultKeyPrefix is the default prefix for all keys.
	DefaultKeyPrefix = "mcp-oauth:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Key type segments.
const (
	keyClient  = "client"
	keyPending = "pending"
	keyCode    = "code"
	keyAccess  = "access"
	keyRefresh = "refresh"
)

// Config configures a Store.
type Config struct {
	// Address is host:port. Ignored when Client is set.
	Address  string
	Username string
	Password string
	DB       int

	// Client, when set, is used instead of dialing Address.
	Client goredis.UniversalClient

	// KeyPrefix namespaces every key. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	Encryptor       *security.Encryptor
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store is a go-redis implementation of storage.Store. Records are JSON
// values with a native TTL matching their expiry; expiry is checked again on
// read. Consume operations use GETDEL so at most one caller gets a record.
type Store struct {
	client    goredis.UniversalClient
	prefix    string
	encryptor *security.Encryptor
	observer  *storage.Observer
	logger    *slog.Logger
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates a Store and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		if cfg.Address == "" {
			return nil, errors.New("redis address cannot be empty")
		}
		client = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Address,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client:    client,
		prefix:    prefix,
		encryptor: cfg.Encryptor,
		observer:  storage.NewObserver(backendName, cfg.Instrumentation),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetClock replaces time.Now, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(kind, id string) string {
	return s.prefix + kind + ":" + id
}

// put writes v under key with a TTL ending at expiresAt. A record that is
// already expired is not written; readers would treat it as absent anyway.
func (s *Store) put(ctx context.Context, key string, v any, expiresAt time.Time) error {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.client.Del(ctx, key).Err()
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// load reads key into v. consume uses GETDEL.
func (s *Store) load(ctx context.Context, key string, v any, consume bool) error {
	var (
		data []byte
		err  error
	)
	if consume {
		data, err = s.client.GetDel(ctx, key).Bytes()
	} else {
		data, err = s.client.Get(ctx, key).Bytes()
	}
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

func (s *Store) expired(ctx context.Context, key string, expiresAt time.Time) bool {
	if !storage.Expired(expiresAt, s.now()) {
		return false
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("Failed to delete expired key", "error", err)
	}
	return true
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a client without expiry; an existing registration is replaced.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return errors.New("client ID cannot be empty")
	}
	if err := s.put(ctx, s.key(keyClient, client.ClientID), client, time.Time{}); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (c *storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	var client storage.Client
	if err := s.load(ctx, s.key(keyClient, clientID), &client, false); err != nil {
		return nil, wrap("get client", err)
	}
	return &client, nil
}

// ============================================================
// FlowStore
// ============================================================

// SavePendingAuthorization stores an authorize request keyed by its internal state.
func (s *Store) SavePendingAuthorization(ctx context.Context, p *storage.PendingAuthorization) (err error) {
	ctx, done := s.observer.Start(ctx, "save_pending")
	defer func() { done(err) }()

	if p == nil || p.State == "" {
		return errors.New("state cannot be empty")
	}

	cp := *p
	if cp.UpstreamCodeVerifier, err = s.encryptor.Encrypt(p.UpstreamCodeVerifier); err != nil {
		return fmt.Errorf("failed to encrypt upstream verifier: %w", err)
	}
	if err := s.put(ctx, s.key(keyPending, p.State), &cp, p.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save pending authorization: %w", err)
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending authorization.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, state string) (p *storage.PendingAuthorization, err error) {
	ctx, done := s.observer.Start(ctx, "consume_pending")
	defer func() { done(err) }()

	var pending storage.PendingAuthorization
	if err := s.load(ctx, s.key(keyPending, state), &pending, true); err != nil {
		return nil, wrap("consume pending authorization", err)
	}
	if storage.Expired(pending.ExpiresAt, s.now()) {
		return nil, storage.ErrNotFound
	}
	if pending.UpstreamCodeVerifier, err = s.encryptor.Decrypt(pending.UpstreamCodeVerifier); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream verifier: %w", err)
	}
	return &pending, nil
}

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observer.Start(ctx, "save_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return errors.New("code cannot be empty")
	}

	cp := *code
	if cp.UpstreamCode, err = s.encryptor.Encrypt(code.UpstreamCode); err != nil {
		return fmt.Errorf("failed to encrypt upstream code: %w", err)
	}
	if cp.UpstreamCodeVerifier, err = s.encryptor.Encrypt(code.UpstreamCodeVerifier); err != nil {
		return fmt.Errorf("failed to encrypt upstream verifier: %w", err)
	}
	if err := s.put(ctx, s.key(keyCode, code.Code), &cp, code.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode retrieves a code without consuming it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (c *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "get_code")
	defer func() { done(err) }()

	key := s.key(keyCode, code)
	var authCode storage.AuthorizationCode
	if err := s.load(ctx, key, &authCode, false); err != nil {
		return nil, wrap("get authorization code", err)
	}
	if s.expired(ctx, key, authCode.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return s.decryptCode(&authCode)
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (c *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "consume_code")
	defer func() { done(err) }()

	var authCode storage.AuthorizationCode
	if err := s.load(ctx, s.key(keyCode, code), &authCode, true); err != nil {
		return nil, wrap("consume authorization code", err)
	}
	if storage.Expired(authCode.ExpiresAt, s.now()) {
		return nil, storage.ErrNotFound
	}
	return s.decryptCode(&authCode)
}

func (s *Store) decryptCode(c *storage.AuthorizationCode) (*storage.AuthorizationCode, error) {
	var err error
	if c.UpstreamCode, err = s.encryptor.Decrypt(c.UpstreamCode); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream code: %w", err)
	}
	if c.UpstreamCodeVerifier, err = s.encryptor.Decrypt(c.UpstreamCodeVerifier); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream verifier: %w", err)
	}
	return c, nil
}

// DeleteAuthorizationCode removes a code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, done := s.observer.Start(ctx, "delete_code")
	defer func() { done(err) }()

	if err := s.client.Del(ctx, s.key(keyCode, code)).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.observer.Start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return errors.New("token cannot be empty")
	}

	cp := *token
	if cp.UpstreamAccessToken, err = s.encryptor.Encrypt(token.UpstreamAccessToken); err != nil {
		return fmt.Errorf("failed to encrypt upstream token: %w", err)
	}
	if err := s.put(ctx, s.key(keyAccess, token.Token), &cp, token.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// GetAccessToken retrieves an access token.
func (s *Store) GetAccessToken(ctx context.Context, token string) (t *storage.AccessToken, err error) {
	ctx, done := s.observer.Start(ctx, "get_access_token")
	defer func() { done(err) }()

	key := s.key(keyAccess, token)
	var at storage.AccessToken
	if err := s.load(ctx, key, &at, false); err != nil {
		return nil, wrap("get access token", err)
	}
	if s.expired(ctx, key, at.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	if at.UpstreamAccessToken, err = s.encryptor.Decrypt(at.UpstreamAccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream token: %w", err)
	}
	return &at, nil
}

// DeleteAccessToken removes an access token.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (err error) {
	ctx, done := s.observer.Start(ctx, "delete_access_token")
	defer func() { done(err) }()

	if err := s.client.Del(ctx, s.key(keyAccess, token)).Err(); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.observer.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return errors.New("token cannot be empty")
	}

	cp := *token
	if cp.UpstreamRefreshToken, err = s.encryptor.Encrypt(token.UpstreamRefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt upstream refresh token: %w", err)
	}
	if err := s.put(ctx, s.key(keyRefresh, token.Token), &cp, token.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (t *storage.RefreshToken, err error) {
	ctx, done := s.observer.Start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	key := s.key(keyRefresh, token)
	var rt storage.RefreshToken
	if err := s.load(ctx, key, &rt, false); err != nil {
		return nil, wrap("get refresh token", err)
	}
	if s.expired(ctx, key, rt.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return s.decryptRefresh(&rt)
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (t *storage.RefreshToken, err error) {
	ctx, done := s.observer.Start(ctx, "consume_refresh_token")
	defer func() { done(err) }()

	var rt storage.RefreshToken
	if err := s.load(ctx, s.key(keyRefresh, token), &rt, true); err != nil {
		return nil, wrap("consume refresh token", err)
	}
	if storage.Expired(rt.ExpiresAt, s.now()) {
		return nil, storage.ErrNotFound
	}
	return s.decryptRefresh(&rt)
}

func (s *Store) decryptRefresh(rt *storage.RefreshToken) (*storage.RefreshToken, error) {
	var err error
	if rt.UpstreamRefreshToken, err = s.encryptor.Decrypt(rt.UpstreamRefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream refresh token: %w", err)
	}
	return rt, nil
}

// DeleteRefreshToken removes a refresh token.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.observer.Start(ctx, "delete_refresh_token")
	defer func() { done(err) }()

	if err := s.client.Del(ctx, s.key(keyRefresh, token)).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: redis expires keys natively.
func (s *Store) DeleteExpired(context.Context) (int, error) {
	return 0, nil
}

func wrap(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
