package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flow
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	ClientRegistered     metric.Int64Counter
	TokenValidated       metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CredentialsPurged    metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizeFlows         metric.Int64ObservableGauge
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeTokens        metric.Int64ObservableGauge
	StorageExpiredSwept      metric.Int64Counter

	// Upstream provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Audit
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter string
	name  string
	desc  string
	unit  string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationStarted, "server", "oauth.authorization.started", "Number of authorization flows started", "{flow}"},
		{&m.CallbackProcessed, "server", "oauth.callback.processed", "Number of upstream callbacks processed", "{callback}"},
		{&m.CodeExchanged, "server", "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, "server", "oauth.token.refreshed", "Number of tokens refreshed", "{refresh}"},
		{&m.TokenRevoked, "server", "oauth.token.revoked", "Number of revocation requests", "{revocation}"},
		{&m.ClientRegistered, "server", "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.TokenValidated, "server", "oauth.token.validated", "Number of bearer token validations", "{validation}"},
		{&m.RateLimitExceeded, "security", "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, "security", "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CredentialsPurged, "security", "oauth.credentials.purged", "Number of session credentials purged after auth failures", "{entry}"},
		{&m.StorageOperationTotal, "storage", "storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.StorageExpiredSwept, "storage", "storage.expired.swept", "Number of expired records removed by the sweeper", "{record}"},
		{&m.ProviderAPICallsTotal, "provider", "provider.api.calls.total", "Total number of upstream provider calls", "{call}"},
		{&m.ProviderAPIErrors, "provider", "provider.api.errors.total", "Total number of upstream provider errors", "{error}"},
		{&m.AuditEventsTotal, "security", "oauth.audit.events.total", "Total number of audit events", "{event}"},
	}
	for _, c := range counters {
		counter, err := inst.Meter(c.meter).Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = inst.Meter("http").Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = inst.Meter("storage").Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.ProviderAPIDuration, err = inst.Meter("provider").Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Upstream provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageSizeClients, "storage.size.clients", "Number of registered clients"},
		{&m.StorageSizeFlows, "storage.size.flows", "Number of pending authorizations"},
		{&m.StorageSizeCodes, "storage.size.codes", "Number of outstanding authorization codes"},
		{&m.StorageSizeTokens, "storage.size.tokens", "Number of stored access and refresh tokens"},
	}
	for _, g := range gauges {
		gauge, err := inst.Meter("storage").Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records an authorization flow start
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordCallbackProcessed records an upstream callback
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, clientID string, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string, success bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordTokenRefresh records a refresh token grant
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, success bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordTokenRevocation records a revocation request
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("token_type", tokenType)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("client_type", clientType)))
}

// RecordTokenValidation records a bearer token validation and its outcome
// ("valid", "invalid" or "error").
func (m *Metrics) RecordTokenValidation(ctx context.Context, mode, result string) {
	m.TokenValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCredentialsPurged records a session credential removed after an auth failure
func (m *Metrics) RecordCredentialsPurged(ctx context.Context) {
	m.CredentialsPurged.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

// RecordExpiredSwept records records removed by a sweep
func (m *Metrics) RecordExpiredSwept(ctx context.Context, backend string, n int) {
	m.StorageExpiredSwept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordProviderAPICall records an upstream provider call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "network_error"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
