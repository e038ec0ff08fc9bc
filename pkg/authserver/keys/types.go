// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing key management for JWT operations.
// A key provider sources the signing key (file, generated, or HMAC secret)
// and exposes the public half for the JWKS endpoint. The provider is
// explicitly injected into the token engine so tests can substitute keys.
package keys

import (
	"context"
	"crypto"
	"errors"
	"time"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "ES256"

// MinHMACSecretLength is the minimum HMAC secret size in bytes.
const MinHMACSecretLength = 32

// ErrNoSigningKey indicates no signing key is available.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKey is the private signing material plus its JOSE parameters.
// Exactly one of Key (asymmetric) or Secret (HMAC) is set.
type SigningKey struct {
	// KeyID is the JWK "kid" for this key.
	KeyID string

	// Algorithm is the JWS algorithm (RS256, ES256/384/512, HS256).
	// Verification is pinned to this value; a token signed under any other
	// algorithm never validates against this key.
	Algorithm string

	// Key is the asymmetric private key, nil for HMAC.
	Key crypto.Signer

	// Secret is the HMAC secret, nil for asymmetric keys.
	Secret []byte

	// CreatedAt is when the key was loaded or generated.
	CreatedAt time.Time
}

// SigningMaterial returns the value expected by golang-jwt for signing.
func (k *SigningKey) SigningMaterial() any {
	if k.Secret != nil {
		return k.Secret
	}
	return k.Key
}

// VerificationMaterial returns the value expected by golang-jwt for
// verification: the public key for asymmetric algorithms, the shared
// secret for HMAC.
func (k *SigningKey) VerificationMaterial() any {
	if k.Secret != nil {
		return k.Secret
	}
	return k.Key.Public()
}

// PublicKey is the public half of a signing key, for the JWKS endpoint.
type PublicKey struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

// Provider provides signing keys for JWT operations.
// Implementations handle key sourcing (file, memory, generation).
type Provider interface {
	// SigningKey returns the current signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKey, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return multiple keys during rotation periods, and returns an
	// empty slice for HMAC keys, which are never published.
	PublicKeys(ctx context.Context) ([]*PublicKey, error)
}
