// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbridge/pkg/authserver/crypto"
	"github.com/stacklok/authbridge/pkg/authserver/flow"
	"github.com/stacklok/authbridge/pkg/authserver/keys"
	"github.com/stacklok/authbridge/pkg/authserver/registration"
	"github.com/stacklok/authbridge/pkg/authserver/server"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/authserver/token"
	"github.com/stacklok/authbridge/pkg/authserver/upstream"
	"github.com/stacklok/authbridge/pkg/oauth"
)

const testIssuer = "https://auth.example.com"

// fakeUpstream is a canned upstream identity provider. It accepts exactly
// one code value and returns a fixed identity.
type fakeUpstream struct {
	identity    upstream.Identity
	exchangeErr error
}

func (*fakeUpstream) AuthorizationURL(state, nonce, _ string) string {
	return "https://idp.example.com/auth?state=" + url.QueryEscape(state) +
		"&nonce=" + url.QueryEscape(nonce)
}

func (f *fakeUpstream) ExchangeCode(_ context.Context, code, _, _ string) (*upstream.Identity, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	if code != "upstream-code" {
		return nil, errors.New("unknown upstream code")
	}
	identity := f.identity
	return &identity, nil
}

func newTestServer(t *testing.T, provider upstream.Provider) *httptest.Server {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	keyProvider := keys.NewGeneratingProvider("")
	tokenEngine := token.NewEngine(store, keyProvider, token.Config{Issuer: testIssuer})
	registry := registration.NewRegistry(store, tokenEngine, 0)
	flowEngine := flow.NewEngine(store, provider, flow.Config{})

	h := server.NewHandler(testIssuer, registry, flowEngine, tokenEngine, keyProvider, store)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func defaultFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		identity: upstream.Identity{
			Subject: "user-1",
			Name:    "Alice",
			Email:   "alice@example.com",
		},
	}
}

// noRedirectClient returns redirects to the caller instead of following
// them.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func registerClient(t *testing.T, srv *httptest.Server, req *registration.DCRRequest) *registration.DCRResponse {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/register", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out registration.DCRResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.ClientID)
	return &out
}

func postForm(t *testing.T, rawURL string, form url.Values) *http.Response {
	t.Helper()

	resp, err := http.PostForm(rawURL, form)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRegistrationLifecycle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())
	client := noRedirectClient()

	registered := registerClient(t, srv, &registration.DCRRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "lifecycle test",
	})
	require.NotEmpty(t, registered.ClientSecret)
	require.NotEmpty(t, registered.RegistrationAccessToken)

	managementURL := srv.URL + "/register/" + registered.ClientID

	// Read with the registration access token.
	req, err := http.NewRequest(http.MethodGet, managementURL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+registered.RegistrationAccessToken)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var read registration.DCRResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&read))
	assert.Equal(t, "lifecycle test", read.ClientName)

	// Read with a bad token is rejected with a challenge.
	req, err = http.NewRequest(http.MethodGet, managementURL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong-token")

	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")

	// Update mutable metadata.
	patch, err := json.Marshal(&registration.DCRRequest{
		RedirectURIs: []string{"https://app.example.com/callback", "https://app.example.com/cb2"},
		ClientName:   "renamed",
	})
	require.NoError(t, err)

	req, err = http.NewRequest(http.MethodPut, managementURL, strings.NewReader(string(patch)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+registered.RegistrationAccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var updated registration.DCRResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.Equal(t, "renamed", updated.ClientName)
	assert.Len(t, updated.RedirectURIs, 2)
	assert.Empty(t, updated.RegistrationAccessToken, "update responses must not repeat the registration token")

	// Delete, then confirm the record is gone.
	req, err = http.NewRequest(http.MethodDelete, managementURL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+registered.RegistrationAccessToken)

	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, managementURL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+registered.RegistrationAccessToken)

	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterRejectsBadMetadata(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	body := `{"redirect_uris": ["http://evil.example.com/callback"]}`
	resp, err := http.Post(srv.URL+"/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var dcrErr registration.DCRError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dcrErr))
	assert.Equal(t, registration.DCRErrorInvalidRedirectURI, dcrErr.Error)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())
	client := noRedirectClient()

	const redirectURI = "https://app.example.com/callback"
	registered := registerClient(t, srv, &registration.DCRRequest{
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: oauth.TokenEndpointAuthMethodNone,
	})

	verifier := crypto.GeneratePKCEVerifier()
	challenge := crypto.ComputePKCEChallenge(verifier)

	// Front channel: /authorize redirects to the upstream provider with an
	// internally generated state, not the client's own.
	authorizeURL := srv.URL + "/authorize?" + url.Values{
		"client_id":             {registered.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"state":                 {"client-state"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"openid profile"},
	}.Encode()

	resp, err := client.Get(authorizeURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	upstreamURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", upstreamURL.Host)

	internalState := upstreamURL.Query().Get("state")
	require.NotEmpty(t, internalState)
	require.NotEqual(t, "client-state", internalState)

	// Upstream callback mints the one-time code and sends the user back to
	// the client with their original state.
	callbackURL := srv.URL + "/callback?" + url.Values{
		"state": {internalState},
		"code":  {"upstream-code"},
	}.Encode()

	resp, err = client.Get(callbackURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	clientRedirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", clientRedirect.Host)
	assert.Equal(t, "client-state", clientRedirect.Query().Get("state"))

	code := clientRedirect.Query().Get("code")
	require.NotEmpty(t, code)

	// Back channel: redeem the code with the PKCE verifier.
	resp = postForm(t, srv.URL+"/token", url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"client_id":     {registered.ClientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var tokens token.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)

	// The same code cannot be redeemed twice.
	resp = postForm(t, srv.URL+"/token", url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"client_id":     {registered.ClientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Forward-auth verification surfaces the identity headers.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/verify", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user-1", resp.Header.Get(server.HeaderAuthRequestUser))
	assert.Equal(t, "Alice", resp.Header.Get(server.HeaderAuthRequestName))
	assert.Equal(t, "alice@example.com", resp.Header.Get(server.HeaderAuthRequestEmail))
	assert.Equal(t, registered.ClientID, resp.Header.Get(server.HeaderAuthRequestClient))

	// Introspection reports the token live.
	resp = postForm(t, srv.URL+"/introspect", url.Values{
		"client_id": {registered.ClientID},
		"token":     {tokens.AccessToken},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var introspection token.Introspection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&introspection))
	assert.True(t, introspection.Active)
	assert.Equal(t, "user-1", introspection.Subject)
	assert.Equal(t, registered.ClientID, introspection.ClientID)

	// Refresh rotates the refresh token and issues a fresh access token.
	resp = postForm(t, srv.URL+"/token", url.Values{
		"grant_type":    {oauth.GrantTypeRefreshToken},
		"client_id":     {registered.ClientID},
		"refresh_token": {tokens.RefreshToken},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var refreshed token.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refreshed))
	require.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, tokens.RefreshToken, refreshed.RefreshToken)

	// Revocation kills the access token; verification fails afterwards.
	resp = postForm(t, srv.URL+"/revoke", url.Values{
		"client_id": {registered.ClientID},
		"token":     {refreshed.AccessToken},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/verify", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+refreshed.AccessToken)

	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestAuthorizeValidationErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())
	client := noRedirectClient()

	const redirectURI = "https://app.example.com/callback"
	registered := registerClient(t, srv, &registration.DCRRequest{
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: oauth.TokenEndpointAuthMethodNone,
	})

	verifier := crypto.GeneratePKCEVerifier()
	challenge := crypto.ComputePKCEChallenge(verifier)

	base := url.Values{
		"client_id":             {registered.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"state":                 {"client-state"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	tests := []struct {
		name      string
		mutate    func(url.Values)
		wantError string
	}{
		{
			name:      "unknown client",
			mutate:    func(q url.Values) { q.Set("client_id", "nope") },
			wantError: oauth.ErrorInvalidClient,
		},
		{
			name:      "unregistered redirect uri",
			mutate:    func(q url.Values) { q.Set("redirect_uri", redirectURI+"/") },
			wantError: oauth.ErrorInvalidRequest,
		},
		{
			name:      "plain pkce method",
			mutate:    func(q url.Values) { q.Set("code_challenge_method", "plain") },
			wantError: oauth.ErrorInvalidRequest,
		},
		{
			name:      "missing state",
			mutate:    func(q url.Values) { q.Del("state") },
			wantError: oauth.ErrorInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := url.Values{}
			for k, vs := range base {
				q[k] = append([]string(nil), vs...)
			}
			tt.mutate(q)

			resp, err := client.Get(srv.URL + "/authorize?" + q.Encode())
			require.NoError(t, err)
			defer resp.Body.Close()

			// Validation failures render directly, never redirect.
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body oauth.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestCallbackUnknownState(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())
	client := noRedirectClient()

	resp, err := client.Get(srv.URL + "/callback?state=never-issued&code=upstream-code")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenEndpointErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	registered := registerClient(t, srv, &registration.DCRRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		resp := postForm(t, srv.URL+"/token", url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {registered.ClientID},
			"client_secret": {registered.ClientSecret},
		})
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body oauth.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, oauth.ErrorUnsupportedGrantType, body.Error)
	})

	t.Run("bad client secret", func(t *testing.T) {
		resp := postForm(t, srv.URL+"/token", url.Values{
			"grant_type":    {oauth.GrantTypeAuthorizationCode},
			"client_id":     {registered.ClientID},
			"client_secret": {"wrong"},
			"code":          {"whatever"},
		})
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

		var body oauth.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, oauth.ErrorInvalidClient, body.Error)
	})

	t.Run("basic auth accepted", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/token",
			strings.NewReader(url.Values{
				"grant_type": {oauth.GrantTypeAuthorizationCode},
				"code":       {"no-such-code"},
			}.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(registered.ClientID, registered.ClientSecret)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		// Authentication succeeds, the grant itself is invalid.
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body oauth.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, oauth.ErrorInvalidGrant, body.Error)
	})
}

func TestIntrospectRequiresClientAuth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	resp := postForm(t, srv.URL+"/introspect", url.Values{
		"token": {"some-token"},
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestRevokeUnknownTokenSucceeds(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	registered := registerClient(t, srv, &registration.DCRRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	})

	resp := postForm(t, srv.URL+"/revoke", url.Values{
		"client_id":     {registered.ClientID},
		"client_secret": {registered.ClientSecret},
		"token":         {"never-issued"},
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVerifyWithoutToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	resp, err := http.Get(srv.URL + "/verify")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestDiscoveryDocuments(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	resp, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "max-age=3600")

	var metadata oauth.AuthorizationServerMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metadata))

	assert.Equal(t, testIssuer, metadata.Issuer)
	assert.Equal(t, testIssuer+"/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+"/token", metadata.TokenEndpoint)
	assert.Equal(t, testIssuer+"/register", metadata.RegistrationEndpoint)
	assert.Equal(t, testIssuer+"/introspect", metadata.IntrospectionEndpoint)
	assert.Equal(t, testIssuer+"/revoke", metadata.RevocationEndpoint)
	assert.Equal(t, []string{"S256"}, metadata.CodeChallengeMethodsSupported)
	assert.Contains(t, metadata.GrantTypesSupported, oauth.GrantTypeRefreshToken)
	assert.Contains(t, metadata.TokenEndpointAuthMethodsSupported, oauth.TokenEndpointAuthMethodNone)

	resp, err = http.Get(srv.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var oidcDoc oauth.OIDCDiscoveryDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&oidcDoc))
	assert.Equal(t, []string{"public"}, oidcDoc.SubjectTypesSupported)
	assert.Equal(t, []string{"ES256"}, oidcDoc.IDTokenSigningAlgValuesSupported)
}

func TestJWKSPublishesSigningKey(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	resp, err := http.Get(srv.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "max-age=3600")

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
	require.Len(t, jwks.Keys, 1)

	key := jwks.Keys[0]
	assert.Equal(t, "EC", key["kty"])
	assert.Equal(t, "ES256", key["alg"])
	assert.Equal(t, "sig", key["use"])
	assert.NotEmpty(t, key["kid"])
	assert.Empty(t, key["d"], "private material must never appear in JWKS")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, defaultFakeUpstream())

	// Generate at least one observation.
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "authbridge_http_requests_total")
}
