// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/authbridge/pkg/authserver/keys"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
)

// accessClaims are the claims carried by issued access tokens: the
// registered set plus the OAuth scope and client binding, and the identity
// fields the verification endpoint surfaces as headers.
type accessClaims struct {
	jwt.RegisteredClaims

	// Scope is the space-delimited granted scope.
	Scope string `json:"scope,omitempty"`

	// ClientID is the client the token was issued to.
	ClientID string `json:"client_id"`

	// Name is the end-user display name.
	Name string `json:"name,omitempty"`

	// Email is the end-user email.
	Email string `json:"email,omitempty"`
}

// mintAccessToken signs a JWT for the given identity and returns the
// compact token alongside its server-side mirror record.
func (e *Engine) mintAccessToken(
	ctx context.Context, jti, clientID, scope string, user storage.UserIdentity, now time.Time,
) (string, *storage.AccessTokenRecord, error) {
	key, err := e.keys.SigningKey(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	expiresAt := now.Add(e.cfg.AccessTokenTTL)

	claims := &accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.cfg.Issuer,
			Subject:   user.Subject,
			Audience:  jwt.ClaimStrings{clientID},
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Scope:    scope,
		ClientID: clientID,
		Name:     user.Name,
		Email:    user.Email,
	}

	method := jwt.GetSigningMethod(key.Algorithm)
	if method == nil {
		return "", nil, fmt.Errorf("unknown signing algorithm: %s", key.Algorithm)
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.SigningMaterial())
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	record := &storage.AccessTokenRecord{
		JTI:       jti,
		ClientID:  clientID,
		Subject:   user.Subject,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}

	return signed, record, nil
}

// parseAccessToken verifies the JWT locally: signature, expiry, and issuer.
// The accepted algorithm is pinned to the signing key's, so a token signed
// under any other algorithm never validates regardless of its header.
func (e *Engine) parseAccessToken(ctx context.Context, rawToken string) (*accessClaims, error) {
	key, err := e.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		if kid, ok := t.Header["kid"].(string); ok && kid != key.KeyID {
			return nil, fmt.Errorf("%w: %s", keys.ErrNoSigningKey, kid)
		}
		return key.VerificationMaterial(), nil
	},
		jwt.WithValidMethods([]string{key.Algorithm}),
		jwt.WithIssuer(e.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}

	return claims, nil
}
