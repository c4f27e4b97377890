package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/singlestore-labs/mcp-oauth/storage"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Client type labels used in audit records and metrics.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// ClientRegistration is the client metadata accepted at /register.
type ClientRegistration struct {
	// ClientID is honoured when supplied; re-registering overwrites.
	ClientID                string
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
}

// RegisterClient validates and stores a client. For confidential clients the
// generated secret is returned once and only its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration, clientIP string) (*storage.Client, string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.register_client")
	defer span.End()

	if err := validateRedirectURIsForRegistration(reg.RedirectURIs); err != nil {
		s.Logger.Warn("Client registration rejected", "error", err, "client_ip", clientIP)
		return nil, "", err
	}

	authMethod := reg.TokenEndpointAuthMethod
	switch authMethod {
	case "":
		authMethod = TokenEndpointAuthMethodNone
	case TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return nil, "", registrationError(fmt.Sprintf("unsupported token_endpoint_auth_method: %s", authMethod))
	}

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return nil, "", registrationError(fmt.Sprintf("unsupported grant_type: %s", gt))
		}
	}
	responseTypes := reg.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	if !slices.Equal(responseTypes, []string{ResponseTypeCode}) {
		return nil, "", registrationError("only response_type code is supported")
	}

	clientID := reg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	clientSecret, clientSecretHash, err := generateClientSecret(authMethod)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientName:              reg.ClientName,
		RedirectURIs:            slices.Clone(reg.RedirectURIs),
		ClientSecretHash:        clientSecretHash,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   reg.Scope,
		CreatedAt:               s.now(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	clientType := ClientTypePublic
	if client.IsConfidential() {
		clientType = ClientTypeConfidential
	}
	s.Auditor.LogClientRegistered(client.ClientID, clientType, clientIP)
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, clientType)
	}
	s.Logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(authMethod string) (string, string, error) {
	if authMethod == TokenEndpointAuthMethodNone {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// GetClient retrieves a client by ID. Absent clients return storage.ErrNotFound.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, storage.ErrNotFound
	}
	return s.store.GetClient(ctx, clientID)
}

// AuthenticateClient loads the client and checks its secret. Public clients
// must not present one.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
			return nil, invalidClient("client authentication failed")
		}
		return nil, serverError("failed to load client", err)
	}

	if !client.IsConfidential() {
		return client, nil
	}

	if clientSecret == "" {
		s.Auditor.LogAuthFailure("", clientID, "", "missing_client_secret")
		return nil, invalidClient("client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_client_secret")
		return nil, invalidClient("client authentication failed")
	}
	return client, nil
}

func sameClient(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
