// Package sqlstore provides a database/sql implementation of storage.Store
// for SQLite (modernc.org/sqlite) and MySQL-protocol databases such as
// SingleStore (go-sql-driver/mysql).
//
// The schema is managed by embedded goose migrations:
//
//	oauth_clients                 registered clients (JSON client_info)
//	oauth_pending_authorizations  authorize requests awaiting the upstream callback
//	oauth_auth_codes              codes issued to MCP clients
//	oauth_tokens                  locally issued access tokens
//	oauth_refresh_tokens          locally issued refresh tokens
//	oauth_token_mapping           local access token to upstream access token
//
// Expiry is stored as Unix seconds; 0 means the row never expires. Upstream
// codes, verifiers and tokens are encrypted with security.Encryptor when a
// key is configured.
//
// Usage:
//
//	store, err := sqlstore.Open(ctx, sqlstore.Options{
//		Driver: sqlstore.DriverSQLite,
//		DSN:    sqlstore.SQLiteDSN("/var/lib/mcp-oauth/oauth.db"),
//	})
//	if err != nil {
//		return err
//	}
//	if err := store.Migrate(ctx); err != nil {
//		return err
//	}
package sqlstore
