// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbridge/pkg/authserver/crypto"
	"github.com/stacklok/authbridge/pkg/authserver/keys"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/authserver/token"
)

const testIssuer = "https://auth.example.com"

func newEngine(t *testing.T, cfg token.Config) (*token.Engine, storage.Store) {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	if cfg.Issuer == "" {
		cfg.Issuer = testIssuer
	}
	return token.NewEngine(store, keys.NewGeneratingProvider(""), cfg), store
}

func seedClient(t *testing.T, store storage.Store, authMethod string) *storage.Client {
	t.Helper()

	client := &storage.Client{
		ID:                      "client-1",
		Name:                    "Test App",
		RedirectURIs:            []string{"https://app.example.com/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		RegistrationAccessToken: "reg-token",
	}
	if authMethod != "none" {
		client.Secret = "client-secret"
	}
	require.NoError(t, store.PutClient(context.Background(), client, 0))
	return client
}

// seedCode stores an authorization code bound to the returned PKCE verifier.
func seedCode(t *testing.T, store storage.Store, clientID string) (code, verifier string) {
	t.Helper()

	verifier = crypto.GeneratePKCEVerifier()
	code = "code-" + verifier[:8]
	require.NoError(t, store.PutAuthCode(context.Background(), &storage.AuthCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/cb",
		CodeChallenge:       crypto.ComputePKCEChallenge(verifier),
		CodeChallengeMethod: crypto.PKCEChallengeMethodS256,
		Scope:               "openid profile",
		User: storage.UserIdentity{
			Subject: "user-1",
			Name:    "User One",
			Email:   "user@example.com",
		},
		IssuedAt: time.Now(),
	}, 10*time.Minute))
	return code, verifier
}

func exchangeRequest(code, verifier string) *token.ExchangeRequest {
	return &token.ExchangeRequest{
		ClientID:     "client-1",
		ClientSecret: "client-secret",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
		CodeVerifier: verifier,
	}
}

func TestExchangeSuccess(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")

	resp, err := engine.Exchange(context.Background(), exchangeRequest(code, verifier))
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "openid profile", resp.Scope)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	// The JWT carries the expected claims without verification side trips.
	parsed, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "client-1", claims["client_id"])
	assert.NotEmpty(t, claims["jti"])
	assert.NotEmpty(t, parsed.Header["kid"])

	// The mirror record and user index exist.
	rec, err := store.GetAccessToken(context.Background(), claims["jti"].(string))
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.Subject)

	userTokens, err := store.ListUserTokens(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Contains(t, userTokens, claims["jti"].(string))
}

func TestExchangePKCEBinding(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, _ := seedCode(t, store, "client-1")

	// Any verifier other than the one the challenge was derived from fails.
	req := exchangeRequest(code, crypto.GeneratePKCEVerifier())
	_, err := engine.Exchange(context.Background(), req)
	assert.ErrorIs(t, err, token.ErrInvalidGrant)
}

func TestExchangeSingleUse(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	_, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)

	_, err = engine.Exchange(ctx, exchangeRequest(code, verifier))
	assert.ErrorIs(t, err, token.ErrInvalidGrant, "second redemption must hard-fail")
}

func TestExchangeConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	wins := make(chan *token.Response, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp, err := engine.Exchange(ctx, exchangeRequest(code, verifier)); err == nil {
				wins <- resp
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one concurrent redemption may succeed")
}

func TestExchangeBurnsCodeOnFailedValidation(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	// Wrong verifier consumes the code.
	bad := exchangeRequest(code, crypto.GeneratePKCEVerifier())
	_, err := engine.Exchange(ctx, bad)
	require.ErrorIs(t, err, token.ErrInvalidGrant)

	// The correct verifier can no longer redeem it.
	_, err = engine.Exchange(ctx, exchangeRequest(code, verifier))
	assert.ErrorIs(t, err, token.ErrInvalidGrant)
}

func TestExchangeRedirectURIExactness(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")

	req := exchangeRequest(code, verifier)
	req.RedirectURI = "https://app.example.com/cb/"

	_, err := engine.Exchange(context.Background(), req)
	assert.ErrorIs(t, err, token.ErrInvalidGrant, "trailing slash is a different URI")
}

func TestExchangeClientAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		authMethod string
		secret     string
		wantErr    error
	}{
		{"correct secret", "client_secret_basic", "client-secret", nil},
		{"wrong secret", "client_secret_basic", "wrong", token.ErrInvalidClient},
		{"missing secret", "client_secret_basic", "", token.ErrInvalidClient},
		{"public client no secret", "none", "", nil},
		{"public client with stray secret", "none", "whatever", token.ErrInvalidClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine, store := newEngine(t, token.Config{})
			seedClient(t, store, tt.authMethod)
			code, verifier := seedCode(t, store, "client-1")

			req := exchangeRequest(code, verifier)
			req.ClientSecret = tt.secret

			_, err := engine.Exchange(context.Background(), req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExchangeWrongClientCode(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "other-client")

	_, err := engine.Exchange(context.Background(), exchangeRequest(code, verifier))
	assert.ErrorIs(t, err, token.ErrInvalidGrant)
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	initial, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)

	refreshed, err := engine.Refresh(ctx, "client-1", "client-secret", initial.RefreshToken)
	require.NoError(t, err)

	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, initial.AccessToken, refreshed.AccessToken, "refresh mints a new jti")
	assert.NotEqual(t, initial.RefreshToken, refreshed.RefreshToken, "rotation replaces the refresh token")

	// The old refresh token is dead.
	_, err = engine.Refresh(ctx, "client-1", "client-secret", initial.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidGrant)

	// The new one works.
	_, err = engine.Refresh(ctx, "client-1", "client-secret", refreshed.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshWithoutRotation(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{DisableRefreshRotation: true})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	initial, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)

	refreshed, err := engine.Refresh(ctx, "client-1", "client-secret", initial.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, initial.RefreshToken, refreshed.RefreshToken)

	// Reusable when rotation is off.
	_, err = engine.Refresh(ctx, "client-1", "client-secret", initial.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshWrongClient(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	initial, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)

	other := &storage.Client{
		ID:                      "client-2",
		Secret:                  "other-secret",
		RedirectURIs:            []string{"https://other.example.com/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethod: "client_secret_basic",
	}
	require.NoError(t, store.PutClient(ctx, other, 0))

	_, err = engine.Refresh(ctx, "client-2", "other-secret", initial.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidGrant)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	ctx := context.Background()

	now := time.Now()
	tests := []struct {
		name      string
		expiresAt time.Time
	}{
		{"expired in the past", now.Add(-time.Minute)},
		{"expiry boundary", now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rt := "rt-" + tt.name
			require.NoError(t, store.PutRefreshToken(ctx, &storage.RefreshTokenRecord{
				Token:     rt,
				ClientID:  "client-1",
				Subject:   "user-1",
				IssuedAt:  now.Add(-time.Hour),
				ExpiresAt: tt.expiresAt,
			}, time.Hour))

			_, err := engine.Refresh(ctx, "client-1", "client-secret", rt)
			assert.ErrorIs(t, err, token.ErrInvalidGrant)
		})
	}
}

func TestCodeOnlyClientGetsNoRefreshGrant(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	ctx := context.Background()

	client := &storage.Client{
		ID:                      "client-1",
		Secret:                  "client-secret",
		RedirectURIs:            []string{"https://app.example.com/cb"},
		GrantTypes:              []string{"authorization_code"},
		TokenEndpointAuthMethod: "client_secret_basic",
	}
	require.NoError(t, store.PutClient(ctx, client, 0))
	code, verifier := seedCode(t, store, "client-1")

	// Redemption succeeds but yields no refresh token.
	resp, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken, "code-only clients must not receive a refresh token")

	// Even a refresh token smuggled into the store is unusable.
	require.NoError(t, store.PutRefreshToken(ctx, &storage.RefreshTokenRecord{
		Token:     "rt-smuggled",
		ClientID:  "client-1",
		Subject:   "user-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}, time.Hour))
	_, err = engine.Refresh(ctx, "client-1", "client-secret", "rt-smuggled")
	assert.ErrorIs(t, err, token.ErrUnauthorizedClient)
}

func TestIntrospectAndVerify(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	resp, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)

	result := engine.Introspect(ctx, resp.AccessToken)
	require.True(t, result.Active)
	assert.Equal(t, "user-1", result.Subject)
	assert.Equal(t, "client-1", result.ClientID)
	assert.Equal(t, "openid profile", result.Scope)
	assert.Equal(t, "User One", result.Name)
	assert.Equal(t, "user@example.com", result.Email)
	assert.NotZero(t, result.ExpiresAt)

	verified := engine.Verify(ctx, resp.AccessToken)
	assert.True(t, verified.Active)

	// Refresh tokens introspect as active too.
	refreshResult := engine.Introspect(ctx, resp.RefreshToken)
	assert.True(t, refreshResult.Active)
	assert.Equal(t, "refresh_token", refreshResult.TokenType)
}

func TestIntrospectInactiveCases(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	ctx := context.Background()

	assert.False(t, engine.Introspect(ctx, "").Active)
	assert.False(t, engine.Introspect(ctx, "not-a-token").Active)
	assert.False(t, engine.Introspect(ctx, "eyJhbGciOiJFUzI1NiJ9.e30.sig").Active)
}

func TestRevokeAccessToken(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	resp, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)

	require.True(t, engine.Verify(ctx, resp.AccessToken).Active)

	require.NoError(t, engine.Revoke(ctx, resp.AccessToken))

	// Liveness dies immediately even though the signature still verifies.
	assert.False(t, engine.Introspect(ctx, resp.AccessToken).Active)
	assert.False(t, engine.Verify(ctx, resp.AccessToken).Active)

	// Idempotent.
	require.NoError(t, engine.Revoke(ctx, resp.AccessToken))
	require.NoError(t, engine.Revoke(ctx, "completely-unknown"))
}

func TestRevokeRefreshToken(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	resp, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)

	require.NoError(t, engine.Revoke(ctx, resp.RefreshToken))

	_, err = engine.Refresh(ctx, "client-1", "client-secret", resp.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidGrant)
}

func TestRevokeUserTokens(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	ctx := context.Background()

	var tokens []string
	for range 3 {
		code, verifier := seedCode(t, store, "client-1")
		resp, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
		require.NoError(t, err)
		tokens = append(tokens, resp.AccessToken)
	}

	count, err := engine.RevokeUserTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	for _, at := range tokens {
		assert.False(t, engine.Verify(ctx, at).Active)
	}

	remaining, err := store.ListUserTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRevokeClientTokens(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	ctx := context.Background()

	var access, refresh []string
	for range 2 {
		code, verifier := seedCode(t, store, "client-1")
		resp, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
		require.NoError(t, err)
		access = append(access, resp.AccessToken)
		refresh = append(refresh, resp.RefreshToken)
	}

	count, err := engine.RevokeClientTokens(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	for _, at := range access {
		assert.False(t, engine.Verify(ctx, at).Active)
	}
	for _, rt := range refresh {
		_, err := engine.Refresh(ctx, "client-1", "client-secret", rt)
		assert.ErrorIs(t, err, token.ErrInvalidGrant)
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{AccessTokenTTL: time.Second})
	seedClient(t, store, "client_secret_basic")
	code, verifier := seedCode(t, store, "client-1")
	ctx := context.Background()

	resp, err := engine.Exchange(ctx, exchangeRequest(code, verifier))
	require.NoError(t, err)
	require.True(t, engine.Verify(ctx, resp.AccessToken).Active)

	time.Sleep(1100 * time.Millisecond)

	// The exp claim alone kills the token, before any store lookup.
	assert.False(t, engine.Verify(ctx, resp.AccessToken).Active)
}

func TestAlgorithmConfusionRejected(t *testing.T) {
	t.Parallel()

	engine, store := newEngine(t, token.Config{})
	seedClient(t, store, "client_secret_basic")
	ctx := context.Background()

	// A token signed with HS256 using any secret must never validate
	// against an engine keyed with ES256.
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-1",
		"jti": "forged",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := forged.SignedString([]byte("guessed-secret"))
	require.NoError(t, err)

	assert.False(t, engine.Verify(ctx, raw).Active)
	assert.False(t, engine.Introspect(ctx, raw).Active)
}
