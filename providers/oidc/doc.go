// Package oidc implements OpenID Connect discovery for the upstream identity
// provider.
//
// The discovery document is fetched once per issuer and cached for the life
// of the process. Any failure (network error, non-2xx status, invalid JSON or
// a missing issuer, authorization_endpoint, token_endpoint or jwks_uri) is a
// *DiscoveryError, and the server refuses to start on one.
//
//	client := oidc.NewDiscoveryClient(nil, logger)
//	doc, err := client.Discover(ctx, "https://authsvc.singlestore.com")
//	if err != nil {
//	    return err
//	}
//
//	config := &oauth2.Config{
//	    Endpoint: oauth2.Endpoint{
//	        AuthURL:  doc.AuthorizationEndpoint,
//	        TokenURL: doc.TokenEndpoint,
//	    },
//	}
package oidc
