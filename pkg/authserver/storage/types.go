// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides storage interfaces and implementations for the
// OAuth authorization server.
//
// All transient and semi-durable authorization state lives behind the Store
// interface: client records, in-flight authorization state, one-time
// authorization codes, the revocable access-token mirror keyed by jti, and
// refresh tokens. Two implementations are provided: an in-memory store for
// development and testing, and a Redis-backed store for production.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers use errors.Is
// to distinguish missing records from transport failures.
var (
	// ErrNotFound indicates the requested record does not exist or has
	// already been consumed.
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates the record exists but its TTL has elapsed.
	ErrExpired = errors.New("expired")

	// ErrAlreadyExists indicates a record with the same key already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// Client is a registered OAuth client record (RFC 7591).
type Client struct {
	// ID is the generated client_id. Immutable after creation.
	ID string `json:"client_id"`

	// Secret is the client_secret. Empty for public clients
	// (token_endpoint_auth_method "none").
	Secret string `json:"client_secret,omitempty"`

	// Name is the human-readable client_name.
	Name string `json:"client_name,omitempty"`

	// RedirectURIs is the ordered list of registered redirect URIs.
	// Authorization requests must match one of these exactly.
	RedirectURIs []string `json:"redirect_uris"`

	// GrantTypes are the grant types the client may use.
	GrantTypes []string `json:"grant_types"`

	// ResponseTypes are the response types the client may use.
	ResponseTypes []string `json:"response_types"`

	// Scope is the space-delimited scope string granted at registration.
	Scope string `json:"scope,omitempty"`

	// TokenEndpointAuthMethod is how the client authenticates at the token
	// endpoint: "client_secret_basic", "client_secret_post", or "none".
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// RegistrationAccessToken secures the RFC 7592 management endpoint for
	// this client. Only valid against this client's own record.
	RegistrationAccessToken string `json:"registration_access_token"`

	// IssuedAt is when the client_id was issued (epoch seconds).
	IssuedAt int64 `json:"client_id_issued_at"`

	// SecretExpiresAt is when the client_secret expires (epoch seconds).
	// Zero means the secret never expires.
	SecretExpiresAt int64 `json:"client_secret_expires_at"`
}

// IsPublic reports whether the client declared a non-confidential auth method.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// AllowsGrantType reports whether the client registered for the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// UserIdentity is the end-user identity as supplied by the upstream IdP.
type UserIdentity struct {
	// Subject is the stable user identifier from the IdP.
	Subject string `json:"subject"`

	// Name is the display name, if the IdP provided one.
	Name string `json:"name,omitempty"`

	// Email is the user's email, if the IdP provided one.
	Email string `json:"email,omitempty"`
}

// AuthState tracks a client's authorization request while the user
// authenticates with the upstream IdP. It is keyed by InternalState so a
// forged or replayed upstream callback cannot address it with the client's
// own state value.
type AuthState struct {
	// State is the client's original state parameter, echoed back on the
	// final redirect for CSRF protection.
	State string `json:"state"`

	// ClientID is the OAuth client making the authorization request.
	ClientID string `json:"client_id"`

	// RedirectURI is the client's callback URL, already validated against
	// the registered redirect URIs.
	RedirectURI string `json:"redirect_uri"`

	// CodeChallenge is the client's PKCE code challenge.
	CodeChallenge string `json:"code_challenge"`

	// CodeChallengeMethod is the PKCE challenge method (always "S256").
	CodeChallengeMethod string `json:"code_challenge_method"`

	// Scope is the space-delimited scope requested by the client.
	Scope string `json:"scope,omitempty"`

	// InternalState is the server-generated state sent to the upstream IdP
	// and used as this record's key.
	InternalState string `json:"internal_state"`

	// UpstreamVerifier is the PKCE verifier for the upstream IdP leg.
	UpstreamVerifier string `json:"upstream_verifier,omitempty"`

	// UpstreamNonce is the OIDC nonce sent to the upstream IdP.
	UpstreamNonce string `json:"upstream_nonce,omitempty"`

	// CreatedAt is when the authorization request arrived.
	CreatedAt time.Time `json:"created_at"`
}

// AuthCode is a one-time authorization code bound to one client and one user.
// Redemption must go through TakeAuthCode so the single-use invariant holds
// under concurrent redemption attempts.
type AuthCode struct {
	// Code is the opaque high-entropy code value, used as the record's key.
	Code string `json:"code"`

	// ClientID is the client the code was issued to.
	ClientID string `json:"client_id"`

	// RedirectURI is the redirect URI the code was issued against. The
	// token request must present exactly this value.
	RedirectURI string `json:"redirect_uri"`

	// CodeChallenge carries the PKCE challenge forward to redemption.
	CodeChallenge string `json:"code_challenge"`

	// CodeChallengeMethod is the PKCE challenge method (always "S256").
	CodeChallengeMethod string `json:"code_challenge_method"`

	// Scope is the space-delimited scope granted to the code.
	Scope string `json:"scope,omitempty"`

	// User is the authenticated end-user identity from the upstream IdP.
	User UserIdentity `json:"user"`

	// IssuedAt is when the code was minted.
	IssuedAt time.Time `json:"issued_at"`
}

// AccessTokenRecord is the server-side mirror of an issued JWT access token,
// keyed by jti. Its presence is what makes the token revocable: deleting the
// record invalidates the token immediately even though the JWT itself is
// self-contained.
type AccessTokenRecord struct {
	// JTI is the JWT ID claim, used as the record's key.
	JTI string `json:"jti"`

	// ClientID is the client the token was issued to.
	ClientID string `json:"client_id"`

	// Subject is the end-user subject the token was issued for.
	Subject string `json:"subject"`

	// Scope is the space-delimited scope granted to the token.
	Scope string `json:"scope,omitempty"`

	// IssuedAt is when the token was minted.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt mirrors the JWT exp claim. The record's store TTL must not
	// outlive this value.
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshTokenRecord is a stored refresh token. Refresh tokens are opaque;
// the record carries everything needed to mint a new access token.
type RefreshTokenRecord struct {
	// Token is the opaque refresh token value, used as the record's key.
	Token string `json:"token"`

	// ClientID is the client the token was issued to.
	ClientID string `json:"client_id"`

	// Subject is the end-user subject the token was issued for.
	Subject string `json:"subject"`

	// Scope is the space-delimited scope granted at code redemption.
	Scope string `json:"scope,omitempty"`

	// User is the end-user identity, carried forward so refreshed access
	// tokens keep their identity claims.
	User UserIdentity `json:"user"`

	// IssuedAt is when the refresh token was minted.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the refresh token expires.
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the persistence contract for all authorization state.
//
// Two operations carry security invariants and must be atomic:
//   - Put* with a TTL must set the value and its expiry in one step, so a
//     crash between the two cannot leave an immortal record.
//   - TakeAuthState and TakeAuthCode must fetch and delete in one step, so
//     concurrent redemptions of the same code yield exactly one winner.
type Store interface {
	// PutClient stores a client record keyed by client ID. A zero TTL means
	// the record does not expire.
	PutClient(ctx context.Context, client *Client, ttl time.Duration) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client record. Removing an absent client is
	// not an error; the cascade in the registry may re-run after a partial
	// failure.
	DeleteClient(ctx context.Context, clientID string) error

	// PutAuthState stores an in-flight authorization keyed by its internal
	// state.
	PutAuthState(ctx context.Context, state *AuthState, ttl time.Duration) error

	// TakeAuthState atomically fetches and deletes the authorization state
	// for the given internal state. Returns ErrNotFound if absent or
	// already consumed.
	TakeAuthState(ctx context.Context, internalState string) (*AuthState, error)

	// PutAuthCode stores a one-time authorization code.
	PutAuthCode(ctx context.Context, code *AuthCode, ttl time.Duration) error

	// TakeAuthCode atomically fetches and deletes the authorization code.
	// Under concurrent redemption exactly one caller receives the record;
	// all others get ErrNotFound.
	TakeAuthCode(ctx context.Context, code string) (*AuthCode, error)

	// PutAccessToken stores the jti-keyed mirror of an access token and
	// adds the jti to the subject's and client's token indexes.
	PutAccessToken(ctx context.Context, rec *AccessTokenRecord, ttl time.Duration) error

	// GetAccessToken retrieves the mirror record by jti. Returns
	// ErrNotFound if the token was revoked or has expired.
	GetAccessToken(ctx context.Context, jti string) (*AccessTokenRecord, error)

	// DeleteAccessToken removes the mirror record and the index entries.
	// Deleting an absent record is not an error.
	DeleteAccessToken(ctx context.Context, jti string) error

	// ListUserTokens returns the jti values of the subject's live access
	// tokens. Index entries whose token records have expired are pruned.
	ListUserTokens(ctx context.Context, subject string) ([]string, error)

	// ListClientTokens returns the jti values of the client's live access
	// tokens.
	ListClientTokens(ctx context.Context, clientID string) ([]string, error)

	// PutRefreshToken stores a refresh token record and adds the token to
	// the client's refresh-token index.
	PutRefreshToken(ctx context.Context, rec *RefreshTokenRecord, ttl time.Duration) error

	// GetRefreshToken retrieves a refresh token record. Returns ErrNotFound
	// if revoked or expired.
	GetRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error)

	// DeleteRefreshToken removes a refresh token record and its index
	// entry. Deleting an absent record is not an error.
	DeleteRefreshToken(ctx context.Context, token string) error

	// ListClientRefreshTokens returns the client's live refresh tokens.
	ListClientRefreshTokens(ctx context.Context, clientID string) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
