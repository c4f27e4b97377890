// Package server implements the OAuth 2.1 authorization server core.
//
// The server sits between MCP clients and the upstream SingleStore identity
// provider. Toward clients it handles dynamic registration, authorization,
// code and refresh grants and revocation. Toward the provider it is an OAuth
// client with its own PKCE pair. Each attempt moves through
//
//	Authorize     -> PendingAuthorization stored under a fresh internal state
//	HandleCallback -> pending entry consumed, local AuthorizationCode minted
//	ExchangeAuthorizationCode -> code consumed, upstream exchange, tokens issued
//
// and any step fails as not found once its TTL has passed.
//
// Errors returned to the HTTP layer are typed: *RegistrationError,
// *AuthorizeError and *TokenError. Anything else is an infrastructure error.
//
// Example usage:
//
//	provider, _ := singlestore.NewProvider(&singlestore.Config{...})
//	store := memory.NewWithInterval(time.Minute)
//
//	srv, err := server.New(provider, store, &server.Config{
//	    Issuer:        "https://mcp.example.com",
//	    RefreshPolicy: server.RefreshRotate,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
