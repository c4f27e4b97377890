package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
)

// Auditor writes security_audit records. User identifiers are hashed before
// they reach the log.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetMetrics counts every logged event in the audit counter.
func (a *Auditor) SetMetrics(m *instrumentation.Metrics) {
	a.metrics = m
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogClientRegistered logs a new client registration
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogAuthorizationStarted logs an authorize request forwarded upstream
func (a *Auditor) LogAuthorizationStarted(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogAuthorizationCodeIssued logs a local code minted after the upstream callback
func (a *Auditor) LogAuthorizationCodeIssued(clientID string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCode,
		ClientID: clientID,
	})
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"rotated": true},
	})
}

// LogTokenRevoked logs a revocation request. found reports whether anything was deleted.
func (a *Auditor) LogTokenRevoked(clientID, ipAddress, tokenType string, found bool) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
			"found":      found,
		},
	})
}

// LogAuthFailure logs an authentication or authorization failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogInvalidPKCE logs a code_verifier that did not match the stored challenge
func (a *Auditor) LogInvalidPKCE(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventInvalidPKCE,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogUpstreamError logs a failed call to the upstream identity provider
func (a *Auditor) LogUpstreamError(clientID, operation, reason string) {
	a.LogEvent(Event{
		Type:     EventUpstreamError,
		ClientID: clientID,
		Details: map[string]any{
			"operation": operation,
			"reason":    reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// LogCredentialsPurged logs removal of cached database credentials after an auth failure.
// The key is hashed since it names a workspace and database.
func (a *Auditor) LogCredentialsPurged(key, reason string) {
	a.LogEvent(Event{
		Type: EventCredentialsPurged,
		Details: map[string]any{
			"key_hash": hashForLogging(key),
			"reason":   reason,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
