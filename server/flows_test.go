package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/singlestore-labs/mcp-oauth/internal/testutil"
	"github.com/singlestore-labs/mcp-oauth/providers"
	"github.com/singlestore-labs/mcp-oauth/providers/mock"
	"github.com/singlestore-labs/mcp-oauth/storage"
)

func TestAuthorize_BuildsUpstreamURL(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	client := registerTestClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	authURL, err := srv.Authorize(context.Background(), AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               "openid custom",
		State:               "abc",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}, testClientIP)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	if !strings.HasPrefix(authURL, mock.AuthorizeEndpoint+"?") {
		t.Fatalf("authURL = %q, want upstream authorize endpoint", authURL)
	}
	q, _ := url.ParseQuery(strings.SplitN(authURL, "?", 2)[1])

	if q.Get("client_id") != "mock-upstream-client" {
		t.Errorf("client_id = %q, want the server's upstream client id", q.Get("client_id"))
	}
	state := q.Get("state")
	if state == "" || state == "abc" {
		t.Errorf("upstream state = %q, want a fresh value distinct from the client's", state)
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge") == challenge {
		t.Error("upstream code_challenge must be the server's own, not the client's")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	scopes := strings.Fields(q.Get("scope"))
	for _, want := range append(DefaultAlwaysPresentScopes, "custom") {
		found := false
		for _, s := range scopes {
			if s == want {
				found = true
			}
		}
		if !found {
			t.Errorf("upstream scope %v missing %q", scopes, want)
		}
	}
}

func TestAuthorize_StoresPendingUnderInternalState(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	client := registerTestClient(t, srv)

	state, _ := startFlow(t, srv, client, "client-state")

	pending, err := store.ConsumePendingAuthorization(context.Background(), state)
	if err != nil {
		t.Fatalf("pending authorization not stored under internal state: %v", err)
	}
	if pending.ClientState != "client-state" {
		t.Errorf("ClientState = %q", pending.ClientState)
	}
	if pending.UpstreamCodeVerifier == "" {
		t.Error("upstream verifier not stored")
	}
	if !pending.RedirectURIProvidedExplicitly {
		t.Error("explicit redirect_uri not recorded")
	}
	if _, err := store.ConsumePendingAuthorization(context.Background(), "client-state"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("nothing may be keyed by the client's state")
	}
}

func TestAuthorize_UnregisteredRedirectURI(t *testing.T) {
	srv, _, provider := setupTestServer(t, nil)
	client := registerTestClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	_, err := srv.Authorize(context.Background(), AuthorizeRequest{
		ClientID:      client.ClientID,
		RedirectURI:   "http://evil.example.com/cb",
		ResponseType:  "code",
		State:         "abc",
		CodeChallenge: challenge,
	}, testClientIP)

	ae, ok := IsAuthorizeError(err)
	if !ok || ae.Code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %v, want invalid_request AuthorizeError", err)
	}
	if ae.Redirectable() {
		t.Error("an unregistered redirect_uri must never be redirected to")
	}
	if provider.GetCallCount("AuthorizationURL") != 0 {
		t.Error("no upstream URL should be built")
	}
}

func TestAuthorize_Errors(t *testing.T) {
	srv, _, _ := setupTestServer(t, &Config{SupportedScopes: []string{"openid", "profile"}})
	client := registerTestClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	valid := AuthorizeRequest{
		ClientID:      client.ClientID,
		RedirectURI:   testRedirectURI,
		ResponseType:  "code",
		State:         "abc",
		CodeChallenge: challenge,
	}

	tests := []struct {
		name         string
		mutate       func(*AuthorizeRequest)
		wantCode     string
		redirectable bool
	}{
		{"unknown client", func(r *AuthorizeRequest) { r.ClientID = "nope" }, ErrorCodeInvalidRequest, false},
		{"wrong response type", func(r *AuthorizeRequest) { r.ResponseType = "token" }, ErrorCodeUnsupportedResponse, true},
		{"missing challenge", func(r *AuthorizeRequest) { r.CodeChallenge = "" }, ErrorCodeInvalidRequest, true},
		{"plain method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest, true},
		{"short challenge", func(r *AuthorizeRequest) { r.CodeChallenge = "abc" }, ErrorCodeInvalidRequest, true},
		{"unsupported scope", func(r *AuthorizeRequest) { r.Scope = "openid admin" }, ErrorCodeInvalidScope, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := srv.Authorize(context.Background(), req, testClientIP)
			ae, ok := IsAuthorizeError(err)
			if !ok {
				t.Fatalf("error = %v, want AuthorizeError", err)
			}
			if ae.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", ae.Code, tt.wantCode)
			}
			if ae.Redirectable() != tt.redirectable {
				t.Errorf("Redirectable() = %v, want %v", ae.Redirectable(), tt.redirectable)
			}
			if tt.redirectable && ae.State != "abc" {
				t.Errorf("State = %q, want abc", ae.State)
			}
		})
	}
}

func TestAuthorize_ScopeOutsideClientGrant(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t, nil)
	client, _, err := srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs: []string{testRedirectURI},
		Scope:        "openid profile",
	}, testClientIP)
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	challenge, _ := testutil.GeneratePKCEPair()
	req := AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               "openid admin:write",
		State:               "s1",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}

	_, err = srv.Authorize(ctx, req, testClientIP)
	ae, ok := IsAuthorizeError(err)
	if !ok {
		t.Fatalf("error = %v, want *AuthorizeError", err)
	}
	if ae.Code != ErrorCodeInvalidScope {
		t.Errorf("Code = %q, want %q", ae.Code, ErrorCodeInvalidScope)
	}
	if ae.RedirectURI != testRedirectURI || ae.State != "s1" {
		t.Errorf("error should be redirectable, got %+v", ae)
	}

	req.Scope = "profile"
	if _, err := srv.Authorize(ctx, req, testClientIP); err != nil {
		t.Errorf("granted scope rejected: %v", err)
	}
}

func TestAuthorize_ImplicitRedirectURI(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	client := registerTestClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	authURL, err := srv.Authorize(context.Background(), AuthorizeRequest{
		ClientID:      client.ClientID,
		ResponseType:  "code",
		CodeChallenge: challenge,
	}, testClientIP)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	u, _ := url.Parse(authURL)
	pending, err := store.ConsumePendingAuthorization(context.Background(), u.Query().Get("state"))
	if err != nil {
		t.Fatalf("ConsumePendingAuthorization() error = %v", err)
	}
	if pending.RedirectURI != testRedirectURI || pending.RedirectURIProvidedExplicitly {
		t.Errorf("pending = %+v, want implicit %s", pending, testRedirectURI)
	}
}

func TestHandleCallback_EchoesClientState(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	client := registerTestClient(t, srv)

	state, _ := startFlow(t, srv, client, "abc")

	redirect, err := srv.HandleCallback(context.Background(), CallbackRequest{Code: "upstream-code", State: state})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("invalid redirect: %v", err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != testRedirectURI {
		t.Errorf("redirect target = %q, want %q", got, testRedirectURI)
	}
	if u.Query().Get("state") != "abc" {
		t.Errorf("state = %q, want the client's original abc", u.Query().Get("state"))
	}
	if u.Query().Get("state") == state {
		t.Error("internal state leaked to the client")
	}
	code := u.Query().Get("code")
	if code == "" || code == "upstream-code" {
		t.Errorf("code = %q, want a freshly minted local code", code)
	}

	// single use
	if _, err := srv.HandleCallback(context.Background(), CallbackRequest{Code: "upstream-code", State: state}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second callback error = %v, want ErrInvalidState", err)
	}
}

func TestHandleCallback_InvalidState(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	for _, state := range []string{"", "never-issued"} {
		if _, err := srv.HandleCallback(context.Background(), CallbackRequest{Code: "c", State: state}); !errors.Is(err, ErrInvalidState) {
			t.Errorf("HandleCallback(state=%q) error = %v, want ErrInvalidState", state, err)
		}
	}
}

func TestHandleCallback_ExpiredState(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	clock := newClock(t, srv, store)
	client := registerTestClient(t, srv)

	state, _ := startFlow(t, srv, client, "abc")
	clock.Advance(11 * time.Minute)

	if _, err := srv.HandleCallback(context.Background(), CallbackRequest{Code: "c", State: state}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}
}

func TestHandleCallback_RelaysUpstreamError(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	client := registerTestClient(t, srv)
	state, _ := startFlow(t, srv, client, "abc")

	redirect, err := srv.HandleCallback(context.Background(), CallbackRequest{
		State:            state,
		Error:            "access_denied",
		ErrorDescription: "user cancelled",
	})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	q, _ := url.Parse(redirect)
	if q.Query().Get("error") != "access_denied" || q.Query().Get("state") != "abc" {
		t.Errorf("redirect = %q, want access_denied with state abc", redirect)
	}
	if q.Query().Get("code") != "" {
		t.Error("no code may be issued on upstream error")
	}
}

func TestConstructRedirectURI_KeepsQuery(t *testing.T) {
	got, err := constructRedirectURI("https://app.example.com/cb?tenant=1", url.Values{"code": {"xyz"}}, "s1")
	if err != nil {
		t.Fatalf("constructRedirectURI() error = %v", err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if q.Get("tenant") != "1" || q.Get("code") != "xyz" || q.Get("state") != "s1" {
		t.Errorf("redirect = %q", got)
	}

	got, _ = constructRedirectURI("https://app.example.com/cb", url.Values{"code": {"xyz"}}, "")
	if strings.Contains(got, "state=") {
		t.Errorf("empty state should be omitted: %q", got)
	}
}

func TestErrorRedirectURL(t *testing.T) {
	got, err := ErrorRedirectURL(&AuthorizeError{
		Code:        ErrorCodeInvalidScope,
		Description: "bad scope",
		RedirectURI: testRedirectURI,
		State:       "abc",
	})
	if err != nil {
		t.Fatalf("ErrorRedirectURL() error = %v", err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("error") != ErrorCodeInvalidScope || u.Query().Get("state") != "abc" {
		t.Errorf("redirect = %q", got)
	}
}

func TestLoadAuthorizationCode(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	clock := newClock(t, srv, store)
	client := registerTestClient(t, srv)
	code, _ := issueCode(t, srv, client)

	ac, err := srv.LoadAuthorizationCode(context.Background(), client.ClientID, code)
	if err != nil {
		t.Fatalf("LoadAuthorizationCode() error = %v", err)
	}
	if ac.RedirectURI != testRedirectURI || ac.UpstreamCode != "upstream-code" {
		t.Errorf("code = %+v", ac)
	}

	if _, err := srv.LoadAuthorizationCode(context.Background(), "other-client", code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("other client error = %v, want ErrNotFound", err)
	}

	clock.Advance(11 * time.Minute)
	if _, err := srv.LoadAuthorizationCode(context.Background(), client.ClientID, code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired code error = %v, want ErrNotFound", err)
	}
	if _, err := srv.LoadAuthorizationCode(context.Background(), client.ClientID, "never-issued"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("absent code error = %v, want ErrNotFound", err)
	}
}

func TestExchangeAuthorizationCode_RoundTrip(t *testing.T) {
	srv, store, provider := setupTestServer(t, nil)
	client := registerTestClient(t, srv)

	resp := issueTokens(t, srv, client)

	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", resp.TokenType)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("missing tokens: %+v", resp)
	}
	if resp.AccessToken == "upstream-at-upstream-code" {
		t.Error("opaque mode must not hand out the upstream token")
	}
	if provider.GetCallCount("ExchangeCode") != 1 {
		t.Errorf("ExchangeCode calls = %d, want 1", provider.GetCallCount("ExchangeCode"))
	}

	at, err := store.GetAccessToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("access token not stored: %v", err)
	}
	if at.UpstreamAccessToken != "upstream-at-upstream-code" {
		t.Errorf("UpstreamAccessToken = %q", at.UpstreamAccessToken)
	}
	if at.RefreshToken != resp.RefreshToken {
		t.Error("access token not paired with refresh token")
	}
}

func TestExchangeAuthorizationCode_UsesStoredUpstreamVerifier(t *testing.T) {
	srv, store, provider := setupTestServer(t, nil)
	client := registerTestClient(t, srv)

	var gotVerifier string
	provider.ExchangeCodeFunc = func(_ context.Context, code, verifier string) (*oauth2.Token, error) {
		gotVerifier = verifier
		return &oauth2.Token{AccessToken: "at", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
	}

	code, verifier := issueCode(t, srv, client)
	ac, err := store.GetAuthorizationCode(context.Background(), code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}

	if _, err := srv.ExchangeAuthorizationCode(context.Background(), client, CodeExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier,
	}, testClientIP); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if gotVerifier != ac.UpstreamCodeVerifier {
		t.Error("upstream exchange must use the server's stored verifier")
	}
	if gotVerifier == verifier {
		t.Error("client verifier must never reach the upstream provider")
	}
}

func TestExchangeAuthorizationCode_SingleUse(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	client := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)
	req := CodeExchangeRequest{Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier}

	if _, err := srv.ExchangeAuthorizationCode(context.Background(), client, req, testClientIP); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	_, err := srv.ExchangeAuthorizationCode(context.Background(), client, req, testClientIP)
	assertTokenError(t, err, ErrorCodeInvalidGrant, 400)
}

func TestExchangeAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	srv, _, _ := setupTestServer(t, nil)
	client := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)
	req := CodeExchangeRequest{Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := srv.ExchangeAuthorizationCode(context.Background(), client, req, testClientIP); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful redemptions = %d, want 1", wins.Load())
	}
}

func TestExchangeAuthorizationCode_GrantNotRegistered(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t, nil)
	client := registerTestClient(t, srv)
	code, verifier := issueCode(t, srv, client)

	client.GrantTypes = []string{GrantTypeRefreshToken}
	_, err := srv.ExchangeAuthorizationCode(ctx, client, CodeExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier,
	}, testClientIP)
	assertTokenError(t, err, ErrorCodeUnauthorizedClient, 400)
}

func TestExchangeAuthorizationCode_Rejections(t *testing.T) {
	srv, store, _ := setupTestServer(t, nil)
	clock := newClock(t, srv, store)
	client := registerTestClient(t, srv)
	other := registerTestClient(t, srv)

	tests := []struct {
		name  string
		setup func(code, verifier string) (*storage.Client, CodeExchangeRequest)
	}{
		{"wrong client", func(code, verifier string) (*storage.Client, CodeExchangeRequest) {
			return other, CodeExchangeRequest{Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier}
		}},
		{"redirect uri mismatch", func(code, verifier string) (*storage.Client, CodeExchangeRequest) {
			return client, CodeExchangeRequest{Code: code, RedirectURI: "http://localhost:3000/other", CodeVerifier: verifier}
		}},
		{"missing redirect uri when explicit", func(code, verifier string) (*storage.Client, CodeExchangeRequest) {
			return client, CodeExchangeRequest{Code: code, CodeVerifier: verifier}
		}},
		{"wrong verifier", func(code, _ string) (*storage.Client, CodeExchangeRequest) {
			return client, CodeExchangeRequest{Code: code, RedirectURI: testRedirectURI, CodeVerifier: testutil.GenerateRandomString(50)}
		}},
		{"missing verifier", func(code, _ string) (*storage.Client, CodeExchangeRequest) {
			return client, CodeExchangeRequest{Code: code, RedirectURI: testRedirectURI}
		}},
		{"expired code", func(code, verifier string) (*storage.Client, CodeExchangeRequest) {
			clock.Advance(11 * time.Minute)
			return client, CodeExchangeRequest{Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier}
		}},
		{"unknown code", func(_, verifier string) (*storage.Client, CodeExchangeRequest) {
			return client, CodeExchangeRequest{Code: "never-issued", RedirectURI: testRedirectURI, CodeVerifier: verifier}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, verifier := issueCode(t, srv, client)
			c, req := tt.setup(code, verifier)
			_, err := srv.ExchangeAuthorizationCode(context.Background(), c, req, testClientIP)
			assertTokenError(t, err, ErrorCodeInvalidGrant, 400)
		})
	}
}

func TestExchangeAuthorizationCode_UpstreamFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"rejected", fmt.Errorf("%w: bad code", providers.ErrUpstreamRejected), ErrorCodeInvalidGrant, 400},
		{"unavailable", fmt.Errorf("%w: 503", providers.ErrUpstreamUnavailable), ErrorCodeInvalidGrant, 400},
		{"unclassified", errors.New("boom"), ErrorCodeInvalidGrant, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, provider := setupTestServer(t, nil)
			client := registerTestClient(t, srv)
			provider.ExchangeCodeFunc = func(context.Context, string, string) (*oauth2.Token, error) {
				return nil, tt.err
			}

			code, verifier := issueCode(t, srv, client)
			_, err := srv.ExchangeAuthorizationCode(context.Background(), client, CodeExchangeRequest{
				Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier,
			}, testClientIP)
			assertTokenError(t, err, tt.wantCode, tt.wantStatus)
		})
	}
}

func TestExchangeAuthorizationCode_UpstreamJWTMode(t *testing.T) {
	srv, store, _ := setupTestServer(t, &Config{TokenMode: TokenModeUpstreamJWT})
	client := registerTestClient(t, srv)

	resp := issueTokens(t, srv, client)
	if resp.AccessToken != "upstream-at-upstream-code" {
		t.Errorf("AccessToken = %q, want the upstream token passed through", resp.AccessToken)
	}
	if resp.ExpiresIn <= 0 || resp.ExpiresIn > 3600 {
		t.Errorf("ExpiresIn = %d", resp.ExpiresIn)
	}
	if _, err := store.GetAccessToken(context.Background(), resp.AccessToken); !errors.Is(err, storage.ErrNotFound) {
		t.Error("upstream JWTs must not be stored")
	}
	rt, err := store.GetRefreshToken(context.Background(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("refresh token not stored: %v", err)
	}
	if rt.AccessToken != "" {
		t.Error("refresh token must not reference an unstored access token")
	}
}

func assertTokenError(t *testing.T, err error, code string, status int) {
	t.Helper()
	te, ok := IsTokenError(err)
	if !ok {
		t.Fatalf("error = %v, want TokenError", err)
	}
	if te.Code != code || te.Status != status {
		t.Errorf("TokenError = %s/%d, want %s/%d", te.Code, te.Status, code, status)
	}
}
