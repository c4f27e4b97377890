package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrUpstreamRejected marks a grant the provider refused.
	ErrUpstreamRejected = errors.New("upstream rejected the grant")

	// ErrUpstreamUnavailable marks a provider that could not be reached or
	// answered with a server error.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE performs a single upstream code exchange with the
// given PKCE verifier, using httpClient for transport. The result is
// validated with ValidateUpstreamToken and errors are classified.
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", ClassifyExchangeError(err))
	}
	if err := ValidateUpstreamToken(token, time.Now()); err != nil {
		return nil, err
	}
	return token, nil
}

// ValidateUpstreamToken rejects token responses without an access token,
// with a non-positive expires_in or with a token type other than Bearer.
// A response that omits expires_in is accepted.
func ValidateUpstreamToken(token *oauth2.Token, now time.Time) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("%w: no access token in response", ErrUpstreamRejected)
	}
	if token.Expiry.IsZero() {
		if v := token.Extra("expires_in"); v != nil && v != "" && !positive(v) {
			return fmt.Errorf("%w: invalid expiration in response", ErrUpstreamRejected)
		}
	} else if !token.Expiry.After(now) {
		return fmt.Errorf("%w: invalid expiration in response", ErrUpstreamRejected)
	}
	if token.TokenType != "Bearer" {
		return fmt.Errorf("%w: unsupported token type %q", ErrUpstreamRejected, token.TokenType)
	}
	return nil
}

func positive(v any) bool {
	switch n := v.(type) {
	case float64:
		return n > 0
	case int64:
		return n > 0
	case json.Number:
		f, err := n.Float64()
		return err == nil && f > 0
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return err == nil && f > 0
	default:
		return false
	}
}

// ClassifyExchangeError wraps err with ErrUpstreamRejected or
// ErrUpstreamUnavailable. Already classified errors are returned unchanged.
func ClassifyExchangeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamRejected) || errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, retrieveErr.Response.StatusCode)
		}
		if retrieveErr.ErrorCode != "" {
			return fmt.Errorf("%w: %s", ErrUpstreamRejected, retrieveErr.ErrorCode)
		}
		return fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// missing access_token and similar response-shape errors from oauth2
	return fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
}

// IsUnavailable reports whether err means the provider could not be used.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
