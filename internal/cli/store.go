package cli

import (
	"context"
	"fmt"
	"log/slog"

	oauth "github.com/singlestore-labs/mcp-oauth"
	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/internal/config"
	"github.com/singlestore-labs/mcp-oauth/security"
	"github.com/singlestore-labs/mcp-oauth/storage"
	"github.com/singlestore-labs/mcp-oauth/storage/memory"
	"github.com/singlestore-labs/mcp-oauth/storage/redis"
	"github.com/singlestore-labs/mcp-oauth/storage/sqlstore"
)

// openedStore is a storage backend plus the check /health runs for it.
// Health is nil for the in-process memory store.
type openedStore struct {
	storage.Store
	Health oauth.HealthCheck
	SQL    *sqlstore.Store
}

// openStore connects the backend selected by s.Storage. SQL backends are
// not migrated here.
func openStore(ctx context.Context, s *config.Settings, inst *instrumentation.Instrumentation, logger *slog.Logger) (*openedStore, error) {
	enc, err := security.NewEncryptorFromBase64(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	if !enc.IsEnabled() && s.Storage != config.StorageMemory {
		logger.Warn("Upstream tokens are stored unencrypted", "storage", s.Storage)
	}

	switch s.Storage {
	case config.StorageMemory:
		st := memory.New()
		st.SetLogger(logger)
		st.SetInstrumentation(inst)
		return &openedStore{Store: st}, nil

	case config.StorageSQLite, config.StorageMySQL:
		opts := sqlstore.Options{
			Encryptor:       enc,
			Logger:          logger,
			Instrumentation: inst,
		}
		if s.Storage == config.StorageSQLite {
			opts.Driver = sqlstore.DriverSQLite
			opts.DSN = sqlstore.SQLiteDSN(s.SQLitePath)
		} else {
			opts.Driver = sqlstore.DriverMySQL
			opts.DSN = sqlstore.MySQLDSN(sqlstore.MySQLConfig{
				Host:     s.MySQL.Host,
				Port:     s.MySQL.Port,
				User:     s.MySQL.User,
				Password: s.MySQL.Password,
				Database: s.MySQL.Database,
				TLS:      s.MySQL.TLS,
				Timeout:  s.MySQL.Timeout,
			})
			opts.MaxOpenConns = 10
		}
		st, err := sqlstore.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &openedStore{
			Store:  st,
			Health: st.DB().PingContext,
			SQL:    st,
		}, nil

	case config.StorageRedis:
		st, err := redis.New(ctx, redis.Config{
			Address:         s.RedisAddr,
			Password:        s.RedisPassword,
			DB:              s.RedisDB,
			Encryptor:       enc,
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			return nil, err
		}
		return &openedStore{Store: st, Health: st.Ping}, nil
	}

	return nil, fmt.Errorf("unsupported storage %q", s.Storage)
}
