// Package credentials caches database usernames and passwords for the length
// of a session, so a user is not prompted again for a workspace database they
// already authenticated against.
//
// Entries have no TTL. An entry is removed only when a query that used it
// fails with an authentication error, and then only that entry.
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/security"
)

// NoDatabase stands in for an unspecified database in a key.
const NoDatabase = "None"

// MySQL server error numbers that indicate rejected credentials.
const (
	erDBAccessDenied     = 1044
	erAccessDenied       = 1045
	erAccessDeniedNoPass = 1698
)

// authErrorPhrases are matched case-insensitively against error text.
var authErrorPhrases = []string{
	"access denied",
	"authentication failed",
	"invalid credentials",
	"login failed",
	"permission denied",
	"unauthorized",
	"auth",
}

// Credentials is a database username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Manager is a concurrency-safe in-memory credential cache.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]Credentials

	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// NewManager creates an empty manager. auditor may be nil.
func NewManager(logger *slog.Logger, auditor *security.Auditor) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries: make(map[string]Credentials),
		logger:  logger,
		auditor: auditor,
	}
}

// SetMetrics counts purged entries. m may be nil.
func (m *Manager) SetMetrics(metrics *instrumentation.Metrics) {
	m.metrics = metrics
}

// MakeKey builds the cache key for a workspace and optional database.
func MakeKey(workspace string, database *string) string {
	db := NoDatabase
	if database != nil {
		db = *database
	}
	return workspace + "_" + db
}

// Store saves credentials under key, replacing any previous entry.
func (m *Manager) Store(key, username, password string) {
	m.mu.Lock()
	m.entries[key] = Credentials{Username: username, Password: password}
	m.mu.Unlock()
	m.logger.Debug("Stored database credentials", "key", key)
}

// Get returns the credentials for key.
func (m *Manager) Get(key string) (Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.entries[key]
	return c, ok
}

// Has reports whether credentials exist for key.
func (m *Manager) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Remove deletes the credentials for key and reports whether they existed.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()

	if ok {
		m.logger.Info("Removed database credentials", "key", key)
	}
	return ok
}

// Len returns the number of cached entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// InvalidateOnAuthError removes the entry for key if err is an
// authentication error. It reports whether err was one.
func (m *Manager) InvalidateOnAuthError(key string, err error) bool {
	if !IsAuthError(err) {
		return false
	}
	if m.Remove(key) {
		m.logger.Warn("Authentication failed, invalidated cached credentials", "key", key)
		if m.auditor != nil {
			m.auditor.LogCredentialsPurged(key, err.Error())
		}
		if m.metrics != nil {
			m.metrics.RecordCredentialsPurged(context.Background())
		}
	}
	return true
}

// IsAuthError reports whether err means the database rejected the
// credentials. MySQL access-denied errors are recognised by number; anything
// else falls back to matching the message text.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erDBAccessDenied, erAccessDenied, erAccessDeniedNoPass:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range authErrorPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
