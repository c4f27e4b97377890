// Package security holds the cross-cutting protections of the authorization
// server: audit logging with hashed identifiers, per-client-IP rate limiting,
// client IP extraction behind proxies, request IDs, response security headers
// and AES-256-GCM encryption of upstream tokens at rest.
package security
