package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/singlestore-labs/mcp-oauth/instrumentation"
	"github.com/singlestore-labs/mcp-oauth/internal/testutil"
	"github.com/singlestore-labs/mcp-oauth/providers"
	"github.com/singlestore-labs/mcp-oauth/providers/mock"
	"github.com/singlestore-labs/mcp-oauth/security"
	"github.com/singlestore-labs/mcp-oauth/server"
	"github.com/singlestore-labs/mcp-oauth/storage"
	"github.com/singlestore-labs/mcp-oauth/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "http://localhost:3000/cb"
)

type testEnv struct {
	handler  *Handler
	srv      *server.Server
	provider *mock.MockProvider
	routes   http.Handler
}

func setupTestHandler(t *testing.T, config *server.Config) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(func() { store.Stop() })
	provider := mock.NewMockProvider()

	if config == nil {
		config = &server.Config{}
	}
	config.Issuer = testIssuer

	srv, err := server.New(provider, store, config, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	h := NewHandler(srv, nil)
	return &testEnv{handler: h, srv: srv, provider: provider, routes: h.Routes()}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.routes.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func (e *testEnv) register(t *testing.T, body string) (*httptest.ResponseRecorder, ClientRegistrationResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, PathRegister, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := e.do(req)
	var resp ClientRegistrationResponse
	if w.Code == http.StatusCreated {
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode registration: %v", err)
		}
	}
	return w, resp
}

func (e *testEnv) registerPublicClient(t *testing.T) string {
	t.Helper()
	w, resp := e.register(t, fmt.Sprintf(`{"client_name":"Test","redirect_uris":[%q]}`, testRedirectURI))
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	return resp.ClientID
}

// authorizeAndCallback drives /authorize and /callback and returns the local
// code and the client's PKCE verifier.
func (e *testEnv) authorizeAndCallback(t *testing.T, clientID, clientState string) (string, string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()

	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"state":                 {clientState},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	w := e.do(httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", w.Code, w.Body.String())
	}
	upstream, _ := url.Parse(w.Header().Get("Location"))
	if !strings.HasPrefix(upstream.String(), mock.AuthorizeEndpoint) {
		t.Fatalf("authorize redirected to %q", upstream)
	}

	cb := url.Values{"code": {"upstream-code"}, "state": {upstream.Query().Get("state")}}
	w = e.do(httptest.NewRequest(http.MethodGet, PathCallback+"?"+cb.Encode(), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body = %s", w.Code, w.Body.String())
	}
	back, _ := url.Parse(w.Header().Get("Location"))
	if got := back.Query().Get("state"); got != clientState {
		t.Fatalf("callback state = %q, want %q", got, clientState)
	}
	return back.Query().Get("code"), verifier
}

func decodeToken(t *testing.T, w *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	var tr TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&tr); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return tr
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&er); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return er
}

func protected(h *Handler) http.Handler {
	return h.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		at, ok := AccessTokenFromContext(r.Context())
		if !ok {
			http.Error(w, "no token in context", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(at.ClientID))
	}))
}

func callProtected(h *Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	protected(h).ServeHTTP(w, req)
	return w
}

func TestMetadataEndpoints(t *testing.T) {
	env := setupTestHandler(t, nil)

	var docs []AuthorizationServerMetadata
	for _, path := range []string{PathOpenIDConfiguration, PathAuthServerMetadata} {
		w := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
		if w.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s missing security headers", path)
		}
		if w.Header().Get(security.RequestIDHeader) == "" {
			t.Errorf("%s missing request id", path)
		}
		var md AuthorizationServerMetadata
		if err := json.NewDecoder(w.Body).Decode(&md); err != nil {
			t.Fatalf("decode: %v", err)
		}
		docs = append(docs, md)
	}

	md := docs[0]
	if md.Issuer != testIssuer || md.TokenEndpoint != testIssuer+"/token" || md.RevocationEndpoint != testIssuer+"/revoke" {
		t.Errorf("unexpected metadata: %+v", md)
	}
	if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v", md.CodeChallengeMethodsSupported)
	}
	if docs[1].Issuer != md.Issuer || len(docs[1].GrantTypesSupported) != len(md.GrantTypesSupported) {
		t.Error("both discovery documents must match")
	}
}

func TestRegister(t *testing.T) {
	env := setupTestHandler(t, nil)

	w, resp := env.register(t, `{"client_name":"Claude","redirect_uris":["http://localhost:3000/cb"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp.ClientID == "" || resp.ClientSecret != "" {
		t.Errorf("public client response = %+v", resp)
	}
	if len(resp.RedirectURIs) != 1 || resp.RedirectURIs[0] != testRedirectURI {
		t.Errorf("redirect_uris = %v", resp.RedirectURIs)
	}

	w, resp = env.register(t, `{"redirect_uris":["https://app.example.com/cb"],"token_endpoint_auth_method":"client_secret_basic"}`)
	if w.Code != http.StatusCreated || resp.ClientSecret == "" {
		t.Errorf("confidential registration = %d, %+v", w.Code, resp)
	}
}

func TestRegister_Rejected(t *testing.T) {
	env := setupTestHandler(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", `redirect_uris=x`, ErrorCodeInvalidClientMetadata},
		{"no redirect uris", `{"client_name":"x"}`, server.ErrorCodeInvalidRedirectURI},
		{"relative redirect uri", `{"redirect_uris":["/cb"]}`, server.ErrorCodeInvalidRedirectURI},
		{"bad auth method", `{"redirect_uris":["http://localhost/cb"],"token_endpoint_auth_method":"private_key_jwt"}`, ErrorCodeInvalidClientMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := env.register(t, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decodeError(t, w).Error; got != tt.code {
				t.Errorf("error = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestAuthorize_Errors(t *testing.T) {
	env := setupTestHandler(t, nil)
	clientID := env.registerPublicClient(t)

	t.Run("unregistered redirect is a direct 400", func(t *testing.T) {
		q := url.Values{"client_id": {clientID}, "redirect_uri": {"http://evil.example.com/cb"}, "response_type": {"code"}, "state": {"abc"}}
		w := env.do(httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		if w.Header().Get("Location") != "" {
			t.Error("must not redirect to an unregistered URI")
		}
		if env.provider.GetCallCount("AuthorizationURL") != 0 {
			t.Error("no upstream URL may be built")
		}
	})

	t.Run("unknown client is a direct 400", func(t *testing.T) {
		q := url.Values{"client_id": {"nope"}, "redirect_uri": {testRedirectURI}, "response_type": {"code"}}
		w := env.do(httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("missing challenge redirects back with state", func(t *testing.T) {
		q := url.Values{"client_id": {clientID}, "redirect_uri": {testRedirectURI}, "response_type": {"code"}, "state": {"abc"}}
		w := env.do(httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", w.Code)
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		if !strings.HasPrefix(loc.String(), testRedirectURI) {
			t.Errorf("Location = %q", loc)
		}
		if loc.Query().Get("error") != ErrorCodeInvalidRequest || loc.Query().Get("state") != "abc" {
			t.Errorf("error redirect query = %v", loc.Query())
		}
	})
}

func TestCallback_UnknownState(t *testing.T) {
	env := setupTestHandler(t, nil)
	w := env.do(httptest.NewRequest(http.MethodGet, PathCallback+"?code=x&state=never-issued", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if decodeError(t, w).Error != ErrorCodeInvalidRequest {
		t.Error("want invalid_request")
	}
}

func TestFullFlow(t *testing.T) {
	env := setupTestHandler(t, nil)
	clientID := env.registerPublicClient(t)
	code, verifier := env.authorizeAndCallback(t, clientID, "abc")

	tr := decodeToken(t, env.postForm(PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {clientID},
		"code_verifier": {verifier},
	}))
	if tr.ExpiresIn != 3600 || tr.TokenType != "Bearer" || tr.RefreshToken == "" {
		t.Errorf("token response = %+v", tr)
	}

	w := callProtected(env.handler, tr.AccessToken)
	if w.Code != http.StatusOK || w.Body.String() != clientID {
		t.Fatalf("protected call = %d %q", w.Code, w.Body.String())
	}

	refreshed := decodeToken(t, env.postForm(PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tr.RefreshToken},
		"client_id":     {clientID},
	}))
	if refreshed.AccessToken == tr.AccessToken {
		t.Error("refresh must mint a new access token")
	}
	if w := callProtected(env.handler, tr.AccessToken); w.Code != http.StatusUnauthorized {
		t.Errorf("rotated access token status = %d, want 401", w.Code)
	}

	for i := 0; i < 2; i++ {
		w := env.postForm(PathRevoke, url.Values{"token": {refreshed.AccessToken}, "client_id": {clientID}})
		if w.Code != http.StatusOK {
			t.Errorf("revoke #%d status = %d", i+1, w.Code)
		}
	}
	if w := callProtected(env.handler, refreshed.AccessToken); w.Code != http.StatusUnauthorized {
		t.Errorf("revoked token status = %d, want 401", w.Code)
	}
}

func TestToken_Errors(t *testing.T) {
	env := setupTestHandler(t, nil)
	clientID := env.registerPublicClient(t)

	tests := []struct {
		name   string
		form   url.Values
		status int
		code   string
	}{
		{"missing grant_type", url.Values{"client_id": {clientID}}, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"unsupported grant_type", url.Values{"grant_type": {"password"}}, http.StatusBadRequest, ErrorCodeUnsupportedGrantType},
		{"missing client_id", url.Values{"grant_type": {"authorization_code"}, "code": {"x"}}, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"unknown client", url.Values{"grant_type": {"authorization_code"}, "code": {"x"}, "client_id": {"nope"}}, http.StatusUnauthorized, ErrorCodeInvalidClient},
		{"unknown code", url.Values{"grant_type": {"authorization_code"}, "code": {"x"}, "client_id": {clientID}, "code_verifier": {strings.Repeat("a", 43)}}, http.StatusBadRequest, ErrorCodeInvalidGrant},
		{"unknown refresh token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}, "client_id": {clientID}}, http.StatusBadRequest, ErrorCodeInvalidGrant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.postForm(PathToken, tt.form)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
			if got := decodeError(t, w).Error; got != tt.code {
				t.Errorf("error = %q, want %q", got, tt.code)
			}
			if tt.status == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 must carry WWW-Authenticate")
			}
		})
	}
}

func TestToken_WrongVerifierAndRedirect(t *testing.T) {
	env := setupTestHandler(t, nil)
	clientID := env.registerPublicClient(t)

	code, _ := env.authorizeAndCallback(t, clientID, "s1")
	_, other := testutil.GeneratePKCEPair()
	w := env.postForm(PathToken, url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {testRedirectURI},
		"client_id": {clientID}, "code_verifier": {other},
	})
	if w.Code != http.StatusBadRequest || decodeError(t, w).Error != ErrorCodeInvalidGrant {
		t.Errorf("wrong verifier = %d", w.Code)
	}

	code, verifier := env.authorizeAndCallback(t, clientID, "s2")
	w = env.postForm(PathToken, url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {"http://localhost:3000/other"},
		"client_id": {clientID}, "code_verifier": {verifier},
	})
	if w.Code != http.StatusBadRequest || decodeError(t, w).Error != ErrorCodeInvalidGrant {
		t.Errorf("redirect mismatch = %d", w.Code)
	}
}

func TestToken_UpstreamUnavailable(t *testing.T) {
	env := setupTestHandler(t, nil)
	clientID := env.registerPublicClient(t)
	code, verifier := env.authorizeAndCallback(t, clientID, "abc")

	env.provider.ExchangeCodeFunc = func(context.Context, string, string) (*oauth2.Token, error) {
		return nil, fmt.Errorf("%w: connection reset", providers.ErrUpstreamUnavailable)
	}
	w := env.postForm(PathToken, url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {testRedirectURI},
		"client_id": {clientID}, "code_verifier": {verifier},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection reset") {
		t.Error("upstream error text leaked to client")
	}
	if er := decodeError(t, w); er.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want invalid_grant", er.Error)
	}
}

func TestToken_ConfidentialClientBasicAuth(t *testing.T) {
	env := setupTestHandler(t, nil)
	w, reg := env.register(t, fmt.Sprintf(`{"redirect_uris":[%q],"token_endpoint_auth_method":"client_secret_basic"}`, testRedirectURI))
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d", w.Code)
	}
	code, verifier := env.authorizeAndCallback(t, reg.ClientID, "abc")

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {testRedirectURI}, "code_verifier": {verifier}}
	newReq := func(secret string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(reg.ClientID, secret)
		return req
	}

	if w := env.do(newReq("wrong")); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d, want 401", w.Code)
	}
	decodeToken(t, env.do(newReq(reg.ClientSecret)))
}

func TestRefresh_DisabledPolicy(t *testing.T) {
	env := setupTestHandler(t, &server.Config{RefreshPolicy: server.RefreshDisabled})
	clientID := env.registerPublicClient(t)
	code, verifier := env.authorizeAndCallback(t, clientID, "abc")

	tr := decodeToken(t, env.postForm(PathToken, url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "redirect_uri": {testRedirectURI},
		"client_id": {clientID}, "code_verifier": {verifier},
	}))
	if tr.RefreshToken != "" {
		t.Error("no refresh token expected")
	}

	w := env.postForm(PathToken, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}, "client_id": {clientID}})
	if w.Code != http.StatusBadRequest || decodeError(t, w).Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("refresh under disabled policy = %d", w.Code)
	}
}

func TestRevoke_AlwaysOKForAuthenticatedClient(t *testing.T) {
	env := setupTestHandler(t, nil)
	clientID := env.registerPublicClient(t)
	for _, form := range []url.Values{
		{"token": {"never-issued"}, "client_id": {clientID}},
		{"token": {"never-issued"}, "token_type_hint": {"refresh_token"}, "client_id": {clientID}},
		{"client_id": {clientID}},
	} {
		if w := env.postForm(PathRevoke, form); w.Code != http.StatusOK {
			t.Errorf("revoke %v status = %d, want 200", form, w.Code)
		}
	}
}

func TestRevoke_RequiresClientAuthentication(t *testing.T) {
	env := setupTestHandler(t, nil)
	owner := env.registerPublicClient(t)
	code, verifier := env.authorizeAndCallback(t, owner, "abc")
	tr := decodeToken(t, env.postForm(PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {owner},
		"code_verifier": {verifier},
	}))

	w := env.postForm(PathRevoke, url.Values{"token": {tr.AccessToken}})
	if w.Code != http.StatusBadRequest || decodeError(t, w).Error != ErrorCodeInvalidRequest {
		t.Errorf("anonymous revoke = %d, want 400 invalid_request", w.Code)
	}
	w = env.postForm(PathRevoke, url.Values{"token": {tr.AccessToken}, "client_id": {"unknown"}})
	if w.Code != http.StatusUnauthorized || decodeError(t, w).Error != ErrorCodeInvalidClient {
		t.Errorf("unknown client revoke = %d, want 401 invalid_client", w.Code)
	}

	other := env.registerPublicClient(t)
	if w := env.postForm(PathRevoke, url.Values{"token": {tr.AccessToken}, "client_id": {other}}); w.Code != http.StatusOK {
		t.Errorf("foreign revoke status = %d, want 200", w.Code)
	}
	if w := callProtected(env.handler, tr.AccessToken); w.Code != http.StatusOK {
		t.Errorf("token revoked by another client, protected call = %d", w.Code)
	}
}

type failingVerifier struct{ err error }

func (v failingVerifier) VerifyToken(context.Context, string) (*storage.AccessToken, error) {
	return nil, v.err
}

func TestValidateToken(t *testing.T) {
	env := setupTestHandler(t, nil)

	w := callProtected(env.handler, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Bearer") {
		t.Errorf("WWW-Authenticate = %q", w.Header().Get("WWW-Authenticate"))
	}

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	rec := httptest.NewRecorder()
	protected(env.handler).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("non-bearer scheme status = %d", rec.Code)
	}

	if w := callProtected(env.handler, "never-issued"); w.Code != http.StatusUnauthorized {
		t.Errorf("unknown token status = %d", w.Code)
	}
}

func TestValidateToken_InfrastructureFailure(t *testing.T) {
	env := setupTestHandler(t, &server.Config{TokenMode: server.TokenModeUpstreamJWT})
	env.srv.SetVerifier(failingVerifier{err: errors.New("jwks fetch failed")})

	w := callProtected(env.handler, "eyJ.some.jwt")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if decodeError(t, w).Error != ErrorCodeTemporarilyUnavailable {
		t.Error("want temporarily_unavailable")
	}
}

func TestHealth(t *testing.T) {
	env := setupTestHandler(t, nil)
	if w := env.do(httptest.NewRequest(http.MethodGet, PathHealth, nil)); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}

	env.handler.AddHealthCheck("storage", func(context.Context) error { return errors.New("down") })
	w := env.do(httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health status = %d", w.Code)
	}
	var body healthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Checks["storage"] != "unavailable" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestRateLimit(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { store.Stop() })
	srv, err := server.New(mock.NewMockProvider(), store, &server.Config{Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rl := security.NewRateLimiter(1, 1, nil)
	t.Cleanup(rl.Stop)

	h := NewHandler(srv, nil)
	h.SetRateLimiter(rl)
	env := &testEnv{handler: h, srv: srv, routes: h.Routes()}

	body := fmt.Sprintf(`{"redirect_uris":[%q]}`, testRedirectURI)
	if w, _ := env.register(t, body); w.Code != http.StatusCreated {
		t.Fatalf("first register = %d", w.Code)
	}
	if w, _ := env.register(t, body); w.Code != http.StatusTooManyRequests {
		t.Errorf("second register = %d, want 429", w.Code)
	}
	if w := env.postForm(PathRevoke, url.Values{"token": {"t"}, "client_id": {"c"}}); w.Code != http.StatusTooManyRequests {
		t.Errorf("revoke = %d, want 429", w.Code)
	}
	if w := env.do(httptest.NewRequest(http.MethodGet, PathOpenIDConfiguration, nil)); w.Code != http.StatusOK {
		t.Errorf("discovery must not be rate limited, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	env := setupTestHandler(t, nil)
	env.srv.SetInstrumentation(inst)
	env.handler.SetInstrumentation(inst)
	env.routes = env.handler.Routes()

	env.registerPublicClient(t)

	w := env.do(httptest.NewRequest(http.MethodGet, PathMetrics, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "oauth") {
		t.Errorf("metrics output has no oauth series:\n%s", w.Body.String())
	}
}
