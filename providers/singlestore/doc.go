// Package singlestore implements providers.Provider for the SingleStore
// identity provider.
//
// Endpoints come from OIDC discovery; the provider never guesses them.
// The server authenticates to the token endpoint as a public client, sending
// its client_id in the form body, and always uses PKCE (S256).
//
//	doc, err := discovery.Discover(ctx, "https://authsvc.singlestore.com")
//	if err != nil {
//		return err
//	}
//	provider, err := singlestore.NewProvider(&singlestore.Config{
//		ClientID:    clientID,
//		RedirectURL: "http://localhost:8000/callback",
//		Discovery:   doc,
//	})
package singlestore
