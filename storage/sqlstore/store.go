package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers "mysql"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/internal/util"
	"github.com/singlestore-labs/mcp-oauth/security"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

// Supported database/sql driver names.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

const (
	backendName = "sql"

	// number of characters of a code or token to include in logs
	tokenIDLogLength = 8

	defaultPingTimeout = 5 * time.Second
)

// Options configures Open.
type Options struct {
	// Driver is DriverSQLite or DriverMySQL.
	Driver string
	DSN    string

	// Encryptor protects upstream codes, verifiers and tokens at rest.
	// Nil stores them in clear text.
	Encryptor *security.Encryptor

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Store is a database/sql implementation of storage.Store. Every write is a
// REPLACE INTO keyed by the random state, code or token value; consume
// operations select the row and then delete it, and only the caller whose
// delete removed the row gets the record.
type Store struct {
	db        *sql.DB
	driver    string
	encryptor *security.Encryptor
	observer  *storage.Observer
	logger    *slog.Logger
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database and verifies the connection. It does not
// create tables; call Migrate.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if _, err := dialectFor(opts.Driver); err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, errors.New("DSN cannot be empty")
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", opts.Driver, err)
	}

	switch {
	case opts.Driver == DriverSQLite:
		// SQLite allows one writer; serialize on a single connection.
		db.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, err)
	}

	return New(db, opts), nil
}

// New wraps an open database handle.
func New(db *sql.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:        db,
		driver:    opts.Driver,
		encryptor: opts.Encryptor,
		observer:  storage.NewObserver(backendName, opts.Instrumentation),
		logger:    logger,
		now:       time.Now,
	}
}

// Migrate creates or upgrades the schema. Safe to call on every start.
func (s *Store) Migrate(ctx context.Context) error {
	applied, err := runMigrations(ctx, s.db, s.driver)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		s.logger.Info("Applied storage migrations", "driver", s.driver, "migrations", applied)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock replaces time.Now, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a client; an existing registration is replaced.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return errors.New("client ID cannot be empty")
	}

	info, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`REPLACE INTO oauth_clients (client_id, client_info, created_at) VALUES (?, ?, ?)`,
		client.ClientID, string(info), toUnix(client.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (c *storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	var info string
	err = s.db.QueryRowContext(ctx,
		`SELECT client_info FROM oauth_clients WHERE client_id = ?`, clientID,
	).Scan(&info)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client storage.Client
	if err := json.Unmarshal([]byte(info), &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
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
	cp.UpstreamCodeVerifier, err = s.encryptor.Encrypt(p.UpstreamCodeVerifier)
	if err != nil {
		return fmt.Errorf("failed to encrypt upstream verifier: %w", err)
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`REPLACE INTO oauth_pending_authorizations (state, client_id, data, expires_at) VALUES (?, ?, ?, ?)`,
		p.State, p.ClientID, string(data), toUnix(p.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save pending authorization: %w", err)
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending authorization.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, state string) (p *storage.PendingAuthorization, err error) {
	ctx, done := s.observer.Start(ctx, "consume_pending")
	defer func() { done(err) }()

	var data string
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM oauth_pending_authorizations WHERE state = ?`, state,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending authorization: %w", err)
	}

	if err := s.claim(ctx, `DELETE FROM oauth_pending_authorizations WHERE state = ?`, state); err != nil {
		return nil, err
	}

	var pending storage.PendingAuthorization
	if err := json.Unmarshal([]byte(data), &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	if storage.Expired(pending.ExpiresAt, s.now()) {
		s.logger.Debug("Pending authorization expired", "state_prefix", util.SafeTruncate(state, tokenIDLogLength))
		return nil, storage.ErrNotFound
	}

	pending.UpstreamCodeVerifier, err = s.encryptor.Decrypt(pending.UpstreamCodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream verifier: %w", err)
	}
	return &pending, nil
}

const codeColumns = `code, client_id, redirect_uri, redirect_uri_explicit, scopes, code_challenge,
	code_challenge_method, resource, upstream_code, upstream_code_verifier, created_at, expires_at`

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observer.Start(ctx, "save_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return errors.New("code cannot be empty")
	}

	upstreamCode, err := s.encryptor.Encrypt(code.UpstreamCode)
	if err != nil {
		return fmt.Errorf("failed to encrypt upstream code: %w", err)
	}
	upstreamVerifier, err := s.encryptor.Encrypt(code.UpstreamCodeVerifier)
	if err != nil {
		return fmt.Errorf("failed to encrypt upstream verifier: %w", err)
	}

	explicit := 0
	if code.RedirectURIProvidedExplicitly {
		explicit = 1
	}

	_, err = s.db.ExecContext(ctx,
		`REPLACE INTO oauth_auth_codes (`+codeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.RedirectURI, explicit, encodeScopes(code.Scopes),
		code.CodeChallenge, code.CodeChallengeMethod, code.Resource, upstreamCode, upstreamVerifier,
		toUnix(code.CreatedAt), toUnix(code.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode retrieves a code, deleting it if expired.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (c *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "get_code")
	defer func() { done(err) }()

	authCode, err := s.selectCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if storage.Expired(authCode.ExpiresAt, s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_auth_codes WHERE code = ?`, code); err != nil {
			s.logger.Warn("Failed to delete expired authorization code", "error", err)
		}
		return nil, storage.ErrNotFound
	}
	return authCode, nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (c *storage.AuthorizationCode, err error) {
	ctx, done := s.observer.Start(ctx, "consume_code")
	defer func() { done(err) }()

	authCode, err := s.selectCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.claim(ctx, `DELETE FROM oauth_auth_codes WHERE code = ?`, code); err != nil {
		return nil, err
	}
	if storage.Expired(authCode.ExpiresAt, s.now()) {
		return nil, storage.ErrNotFound
	}
	return authCode, nil
}

// DeleteAuthorizationCode removes a code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	ctx, done := s.observer.Start(ctx, "delete_code")
	defer func() { done(err) }()

	if _, err = s.db.ExecContext(ctx, `DELETE FROM oauth_auth_codes WHERE code = ?`, code); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

func (s *Store) selectCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var (
		c                  storage.AuthorizationCode
		explicit           int
		scopes             string
		createdAt, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM oauth_auth_codes WHERE code = ?`, code,
	).Scan(&c.Code, &c.ClientID, &c.RedirectURI, &explicit, &scopes, &c.CodeChallenge,
		&c.CodeChallengeMethod, &c.Resource, &c.UpstreamCode, &c.UpstreamCodeVerifier, &createdAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	c.RedirectURIProvidedExplicitly = explicit != 0
	if c.Scopes, err = decodeScopes(scopes); err != nil {
		return nil, err
	}
	c.CreatedAt = fromUnix(createdAt)
	c.ExpiresAt = fromUnix(expires)

	if c.UpstreamCode, err = s.encryptor.Decrypt(c.UpstreamCode); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream code: %w", err)
	}
	if c.UpstreamCodeVerifier, err = s.encryptor.Decrypt(c.UpstreamCodeVerifier); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream verifier: %w", err)
	}
	return &c, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an access token and, when present, its upstream
// token in oauth_token_mapping.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.observer.Start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return errors.New("token cannot be empty")
	}

	upstream, err := s.encryptor.Encrypt(token.UpstreamAccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt upstream token: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`REPLACE INTO oauth_tokens (token, client_id, scopes, resource, refresh_token, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, encodeScopes(token.Scopes), token.Resource, token.RefreshToken, toUnix(token.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	if upstream != "" {
		_, err = tx.ExecContext(ctx,
			`REPLACE INTO oauth_token_mapping (access_token, upstream_access_token, expires_at) VALUES (?, ?, ?)`,
			token.Token, upstream, toUnix(token.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save token mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing access token: %w", err)
	}
	return nil
}

// GetAccessToken retrieves an access token, deleting it if expired.
func (s *Store) GetAccessToken(ctx context.Context, token string) (t *storage.AccessToken, err error) {
	ctx, done := s.observer.Start(ctx, "get_access_token")
	defer func() { done(err) }()

	var (
		at       storage.AccessToken
		scopes   string
		upstream sql.NullString
		expires  int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT t.token, t.client_id, t.scopes, t.resource, t.refresh_token, t.expires_at, m.upstream_access_token
		FROM oauth_tokens t LEFT JOIN oauth_token_mapping m ON m.access_token = t.token
		WHERE t.token = ?`, token,
	).Scan(&at.Token, &at.ClientID, &scopes, &at.Resource, &at.RefreshToken, &expires, &upstream)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	if at.Scopes, err = decodeScopes(scopes); err != nil {
		return nil, err
	}
	at.ExpiresAt = fromUnix(expires)
	if storage.Expired(at.ExpiresAt, s.now()) {
		if err := s.deleteAccessToken(ctx, token); err != nil {
			s.logger.Warn("Failed to delete expired access token", "error", err)
		}
		s.logger.Debug("Access token expired", "token_prefix", util.SafeTruncate(token, tokenIDLogLength))
		return nil, storage.ErrNotFound
	}

	if at.UpstreamAccessToken, err = s.encryptor.Decrypt(upstream.String); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream token: %w", err)
	}
	return &at, nil
}

// DeleteAccessToken removes an access token and its upstream mapping.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (err error) {
	ctx, done := s.observer.Start(ctx, "delete_access_token")
	defer func() { done(err) }()

	return s.deleteAccessToken(ctx, token)
}

func (s *Store) deleteAccessToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_token_mapping WHERE access_token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete token mapping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE token = ?`, token); err != nil {
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

	upstream, err := s.encryptor.Encrypt(token.UpstreamRefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt upstream refresh token: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`REPLACE INTO oauth_refresh_tokens (token, client_id, scopes, resource, access_token, upstream_refresh_token, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, encodeScopes(token.Scopes), token.Resource, token.AccessToken, upstream, toUnix(token.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token, deleting it if expired.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (t *storage.RefreshToken, err error) {
	ctx, done := s.observer.Start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	rt, err := s.selectRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if storage.Expired(rt.ExpiresAt, s.now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = ?`, token); err != nil {
			s.logger.Warn("Failed to delete expired refresh token", "error", err)
		}
		return nil, storage.ErrNotFound
	}
	return rt, nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (t *storage.RefreshToken, err error) {
	ctx, done := s.observer.Start(ctx, "consume_refresh_token")
	defer func() { done(err) }()

	rt, err := s.selectRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.claim(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = ?`, token); err != nil {
		return nil, err
	}
	if storage.Expired(rt.ExpiresAt, s.now()) {
		return nil, storage.ErrNotFound
	}
	return rt, nil
}

// DeleteRefreshToken removes a refresh token.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.observer.Start(ctx, "delete_refresh_token")
	defer func() { done(err) }()

	if _, err = s.db.ExecContext(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

func (s *Store) selectRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	var (
		rt      storage.RefreshToken
		scopes  string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, scopes, resource, access_token, upstream_refresh_token, expires_at
		FROM oauth_refresh_tokens WHERE token = ?`, token,
	).Scan(&rt.Token, &rt.ClientID, &scopes, &rt.Resource, &rt.AccessToken, &rt.UpstreamRefreshToken, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if rt.Scopes, err = decodeScopes(scopes); err != nil {
		return nil, err
	}
	rt.ExpiresAt = fromUnix(expires)
	if rt.UpstreamRefreshToken, err = s.encryptor.Decrypt(rt.UpstreamRefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream refresh token: %w", err)
	}
	return &rt, nil
}

// ============================================================
// Sweeper
// ============================================================

var expiringTables = []string{
	"oauth_pending_authorizations",
	"oauth_auth_codes",
	"oauth_token_mapping",
	"oauth_tokens",
	"oauth_refresh_tokens",
}

// DeleteExpired removes every expired row. Rows with expires_at = 0 never expire.
func (s *Store) DeleteExpired(ctx context.Context) (n int, err error) {
	ctx, done := s.observer.Start(ctx, "delete_expired")
	defer func() { done(err) }()

	now := s.now().Unix()
	for _, table := range expiringTables {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at > 0 AND expires_at <= ?`, now)
		if err != nil {
			return n, fmt.Errorf("failed to sweep %s: %w", table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, fmt.Errorf("failed to count swept rows in %s: %w", table, err)
		}
		n += int(affected)
	}

	s.observer.Swept(ctx, n)
	return n, nil
}

// claim runs a single-row delete and reports ErrNotFound unless this call
// removed the row. It is the arbiter between concurrent consumers.
func (s *Store) claim(ctx context.Context, query, key string) error {
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to consume record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to consume record: %w", err)
	}
	if affected != 1 {
		return storage.ErrNotFound
	}
	return nil
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// encodeScopes renders scopes for the scopes columns, which hold a JSON
// array of strings.
func encodeScopes(scopes []string) string {
	if scopes == nil {
		scopes = []string{}
	}
	b, _ := json.Marshal(scopes)
	return string(b)
}

func decodeScopes(raw string) ([]string, error) {
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil, fmt.Errorf("failed to decode scopes: %w", err)
	}
	if len(scopes) == 0 {
		return nil, nil
	}
	return scopes, nil
}
