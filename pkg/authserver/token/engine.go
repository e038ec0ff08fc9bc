// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token implements the token engine: authorization-code exchange,
// refresh, introspection, revocation, and the bearer-token verification
// used by the forward-auth endpoint.
//
// Access tokens are signed JWTs mirrored server-side by jti; the mirror is
// what makes an otherwise self-contained token revocable. Refresh tokens
// are opaque store records. All state-consistency failures surface as
// ErrInvalidGrant with no further detail, per RFC 6749.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authbridge/pkg/authserver/crypto"
	"github.com/stacklok/authbridge/pkg/authserver/keys"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/oauth"
)

// Grant-processing errors, mapped onto RFC 6749 error codes by the HTTP
// layer.
var (
	// ErrInvalidClient indicates client authentication failed.
	ErrInvalidClient = errors.New("client authentication failed")

	// ErrInvalidGrant indicates the code, refresh token, redirect URI, or
	// PKCE verifier did not check out. Deliberately undifferentiated.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrUnsupportedGrantType indicates an unknown grant_type value.
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrUnauthorizedClient indicates the authenticated client did not
	// register for the requested grant type.
	ErrUnauthorizedClient = errors.New("client is not authorized for this grant type")
)

// Config holds the token engine's tunables.
type Config struct {
	// Issuer is the iss claim value and the expected issuer on
	// verification.
	Issuer string

	// AccessTokenTTL is the access token lifetime. Zero means
	// storage.DefaultAccessTokenTTL.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Zero means
	// storage.DefaultRefreshTokenTTL.
	RefreshTokenTTL time.Duration

	// DisableRefreshRotation keeps the same refresh token across refreshes
	// instead of rotating it. Rotation is on by default.
	DisableRefreshRotation bool
}

// Engine implements the token grant operations.
type Engine struct {
	store storage.Store
	keys  keys.Provider
	cfg   Config
}

// NewEngine creates a token engine.
func NewEngine(store storage.Store, keyProvider keys.Provider, cfg Config) *Engine {
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = storage.DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = storage.DefaultRefreshTokenTTL
	}
	return &Engine{
		store: store,
		keys:  keyProvider,
		cfg:   cfg,
	}
}

// Response is the RFC 6749 token endpoint success body.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeRequest carries the authorization_code grant parameters.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// Exchange redeems a one-time authorization code for an access and refresh
// token pair. The code record is consumed atomically before validation, so
// a second redemption attempt fails regardless of interleaving; a code
// that fails validation after consumption is simply burned.
func (e *Engine) Exchange(ctx context.Context, req *ExchangeRequest) (*Response, error) {
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	code, err := e.store.TakeAuthCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debugw("authorization code not found or already used", "client_id", req.ClientID)
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if code.ClientID != client.ID {
		logger.Debugw("authorization code issued to a different client", "client_id", req.ClientID)
		return nil, ErrInvalidGrant
	}

	if req.RedirectURI != code.RedirectURI {
		logger.Debugw("redirect_uri mismatch at token endpoint", "client_id", req.ClientID)
		return nil, ErrInvalidGrant
	}

	if !crypto.VerifyPKCE(code.CodeChallenge, req.CodeVerifier) {
		logger.Debugw("PKCE verification failed", "client_id", req.ClientID)
		return nil, ErrInvalidGrant
	}

	return e.issueTokens(ctx, client, code.Scope, code.User)
}

// Refresh exchanges a refresh token for a new access token. The new access
// token gets a fresh jti; when rotation is enabled the refresh token is
// replaced as well, keeping the original expiry.
func (e *Engine) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*Response, error) {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrantType(oauth.GrantTypeRefreshToken) {
		logger.Debugw("client not registered for the refresh_token grant", "client_id", clientID)
		return nil, ErrUnauthorizedClient
	}

	rec, err := e.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debugw("refresh token not found", "client_id", clientID)
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if rec.ClientID != client.ID {
		logger.Debugw("refresh token issued to a different client", "client_id", clientID)
		return nil, ErrInvalidGrant
	}

	// A single clock read decides both expiry and the rotated record's
	// remaining lifetime, so the replacement can never be stored with a
	// zero or negative TTL.
	now := time.Now()
	remaining := rec.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return nil, ErrInvalidGrant
	}

	jti := uuid.NewString()
	signed, record, err := e.mintAccessToken(ctx, jti, client.ID, rec.Scope, rec.User, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutAccessToken(ctx, record, e.cfg.AccessTokenTTL); err != nil {
		return nil, fmt.Errorf("failed to persist access token record: %w", err)
	}

	resp := &Response{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(e.cfg.AccessTokenTTL.Seconds()),
		Scope:       rec.Scope,
	}

	if e.cfg.DisableRefreshRotation {
		resp.RefreshToken = refreshToken
		return resp, nil
	}

	// Rotate: the replacement keeps the original expiry so refreshing
	// cannot extend the grant's overall lifetime.
	next := &storage.RefreshTokenRecord{
		Token:     crypto.NewOpaqueToken(),
		ClientID:  rec.ClientID,
		Subject:   rec.Subject,
		Scope:     rec.Scope,
		User:      rec.User,
		IssuedAt:  now,
		ExpiresAt: rec.ExpiresAt,
	}
	if err := e.store.PutRefreshToken(ctx, next, remaining); err != nil {
		return nil, fmt.Errorf("failed to persist rotated refresh token: %w", err)
	}
	if err := e.store.DeleteRefreshToken(ctx, refreshToken); err != nil {
		return nil, fmt.Errorf("failed to invalidate previous refresh token: %w", err)
	}

	resp.RefreshToken = next.Token
	return resp, nil
}

// issueTokens mints the token pair at code redemption. A refresh token is
// issued only when the client registered for the refresh_token grant.
func (e *Engine) issueTokens(ctx context.Context, client *storage.Client, scope string, user storage.UserIdentity) (*Response, error) {
	now := time.Now()
	jti := uuid.NewString()

	signed, record, err := e.mintAccessToken(ctx, jti, client.ID, scope, user, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutAccessToken(ctx, record, e.cfg.AccessTokenTTL); err != nil {
		return nil, fmt.Errorf("failed to persist access token record: %w", err)
	}

	resp := &Response{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(e.cfg.AccessTokenTTL.Seconds()),
		Scope:       scope,
	}

	if client.AllowsGrantType(oauth.GrantTypeRefreshToken) {
		refresh := &storage.RefreshTokenRecord{
			Token:     crypto.NewOpaqueToken(),
			ClientID:  client.ID,
			Subject:   user.Subject,
			Scope:     scope,
			User:      user,
			IssuedAt:  now,
			ExpiresAt: now.Add(e.cfg.RefreshTokenTTL),
		}
		if err := e.store.PutRefreshToken(ctx, refresh, e.cfg.RefreshTokenTTL); err != nil {
			return nil, fmt.Errorf("failed to persist refresh token: %w", err)
		}
		resp.RefreshToken = refresh.Token
	}

	logger.Infow("issued tokens", "client_id", client.ID, "subject", user.Subject, "jti", jti)

	return resp, nil
}

// AuthenticateClient verifies the caller's client credentials. The
// introspection and revocation endpoints share the token endpoint's
// authentication rules.
func (e *Engine) AuthenticateClient(ctx context.Context, clientID, clientSecret string) error {
	_, err := e.authenticateClient(ctx, clientID, clientSecret)
	return err
}

// authenticateClient verifies the client credentials. Public clients must
// present no secret; confidential clients must match in constant time.
func (e *Engine) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient
	}

	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if client.IsPublic() {
		if clientSecret != "" {
			return nil, ErrInvalidClient
		}
		return client, nil
	}

	if client.SecretExpiresAt != 0 && time.Now().Unix() > client.SecretExpiresAt {
		logger.Debugw("client secret expired", "client_id", clientID)
		return nil, ErrInvalidClient
	}

	if !crypto.SecureCompare(clientSecret, client.Secret) {
		return nil, ErrInvalidClient
	}

	return client, nil
}

// Introspection is the RFC 7662 introspection result.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
	Issuer    string `json:"iss,omitempty"`

	// Name and Email back the identity headers on the verification
	// endpoint. They are not part of the RFC 7662 response shape.
	Name  string `json:"-"`
	Email string `json:"-"`
}

var inactive = &Introspection{Active: false}

// Introspect reports whether the token is live. It accepts both access
// tokens (JWTs) and refresh tokens (opaque values) and returns active:
// false on any failure without disclosing the reason.
func (e *Engine) Introspect(ctx context.Context, rawToken string) *Introspection {
	if rawToken == "" {
		return inactive
	}

	if result := e.introspectAccessToken(ctx, rawToken); result.Active {
		return result
	}

	return e.introspectRefreshToken(ctx, rawToken)
}

// Verify validates a bearer access token for the forward-auth path:
// signature and expiry locally, then exactly one store round trip for the
// jti liveness check. It performs no writes.
func (e *Engine) Verify(ctx context.Context, rawToken string) *Introspection {
	return e.introspectAccessToken(ctx, rawToken)
}

func (e *Engine) introspectAccessToken(ctx context.Context, rawToken string) *Introspection {
	claims, err := e.parseAccessToken(ctx, rawToken)
	if err != nil {
		return inactive
	}

	// The jti mirror is the revocation authority; a verified signature on
	// a revoked token proves nothing.
	if _, err := e.store.GetAccessToken(ctx, claims.ID); err != nil {
		return inactive
	}

	result := &Introspection{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: "Bearer",
		JTI:       claims.ID,
		Issuer:    claims.Issuer,
		Name:      claims.Name,
		Email:     claims.Email,
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Unix()
	}
	return result
}

func (e *Engine) introspectRefreshToken(ctx context.Context, rawToken string) *Introspection {
	rec, err := e.store.GetRefreshToken(ctx, rawToken)
	if err != nil {
		return inactive
	}
	if time.Now().After(rec.ExpiresAt) {
		return inactive
	}
	return &Introspection{
		Active:    true,
		Scope:     rec.Scope,
		ClientID:  rec.ClientID,
		Subject:   rec.Subject,
		TokenType: oauth.GrantTypeRefreshToken,
		ExpiresAt: rec.ExpiresAt.Unix(),
		IssuedAt:  rec.IssuedAt.Unix(),
	}
}

// Revoke invalidates a token per RFC 7009. It handles both access tokens
// (by deleting the jti mirror) and refresh tokens; revoking an unknown or
// already-revoked token is not an error.
func (e *Engine) Revoke(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return nil
	}

	if claims, err := e.parseAccessToken(ctx, rawToken); err == nil {
		if err := e.store.DeleteAccessToken(ctx, claims.ID); err != nil {
			return fmt.Errorf("failed to revoke access token: %w", err)
		}
		logger.Infow("revoked access token", "jti", claims.ID, "client_id", claims.ClientID)
		return nil
	}

	// Not a valid JWT; treat it as an opaque refresh token. Unknown values
	// fall through to a no-op delete.
	if err := e.store.DeleteRefreshToken(ctx, rawToken); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeUserTokens revokes every live access token for the subject, using
// the user token index.
func (e *Engine) RevokeUserTokens(ctx context.Context, subject string) (int, error) {
	jtis, err := e.store.ListUserTokens(ctx, subject)
	if err != nil {
		return 0, fmt.Errorf("failed to list user tokens: %w", err)
	}
	for _, jti := range jtis {
		if err := e.store.DeleteAccessToken(ctx, jti); err != nil {
			return 0, fmt.Errorf("failed to revoke access token: %w", err)
		}
	}
	if len(jtis) > 0 {
		logger.Infow("revoked all user tokens", "subject", subject, "count", len(jtis))
	}
	return len(jtis), nil
}

// RevokeClientTokens revokes every live access and refresh token issued to
// the client. Used by the client deletion cascade.
func (e *Engine) RevokeClientTokens(ctx context.Context, clientID string) (int, error) {
	jtis, err := e.store.ListClientTokens(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to list client tokens: %w", err)
	}
	for _, jti := range jtis {
		if err := e.store.DeleteAccessToken(ctx, jti); err != nil {
			return 0, fmt.Errorf("failed to revoke access token: %w", err)
		}
	}

	refreshTokens, err := e.store.ListClientRefreshTokens(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to list client refresh tokens: %w", err)
	}
	for _, token := range refreshTokens {
		if err := e.store.DeleteRefreshToken(ctx, token); err != nil {
			return 0, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
	}

	return len(jtis) + len(refreshTokens), nil
}
