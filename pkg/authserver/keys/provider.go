// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/authbridge/pkg/logger"
)

// FileProvider loads signing keys from PEM files.
// The primary key signs new tokens; fallback keys are exposed via
// PublicKeys() so tokens signed before a rotation still verify.
// Keys are loaded once at construction time; changes require restart.
type FileProvider struct {
	signingKey *SigningKey
	allKeys    []*SigningKey
}

// FileConfig configures a FileProvider.
type FileConfig struct {
	// SigningKeyFile is the PEM file holding the primary signing key.
	SigningKeyFile string

	// FallbackKeyFiles are additional PEM files published via JWKS for
	// verification during key rotation.
	FallbackKeyFiles []string

	// Algorithm optionally overrides the algorithm derived from the key
	// type. It must be compatible with the key.
	Algorithm string
}

// NewFileProvider creates a provider that loads keys from PEM files.
// All keys are loaded immediately and validated.
func NewFileProvider(cfg FileConfig) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(cfg.SigningKeyFile, cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKey{signingKey}
	for _, path := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(path, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", path, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{
		signingKey: signingKey,
		allKeys:    allKeys,
	}, nil
}

func loadKeyFromFile(keyPath, algorithm string) (*SigningKey, error) {
	signer, err := LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}

	if algorithm == "" {
		algorithm, err = DeriveAlgorithm(signer)
		if err != nil {
			return nil, err
		}
	} else if err := ValidateAlgorithmForKey(algorithm, signer); err != nil {
		return nil, err
	}

	keyID, err := DeriveKeyID(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKey{
		KeyID:     keyID,
		Algorithm: algorithm,
		Key:       signer,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey returns the primary signing key.
// Returns a copy to prevent external mutation of internal state.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	return copyKey(p.signingKey), nil
}

// PublicKeys returns public keys for all loaded keys (signing + fallback).
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKey, error) {
	pubKeys := make([]*PublicKey, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, &PublicKey{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return pubKeys, nil
}

// GeneratingProvider generates an ephemeral key on first access.
// Suitable for development but NOT recommended for production.
// Generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKey
}

// NewGeneratingProvider creates a provider that generates an ephemeral key
// lazily on first SigningKey() call. If algorithm is empty, DefaultAlgorithm
// (ES256) is used.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey returns the signing key, generating one if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return copyKey(p.key), nil
	}

	key, err := p.generateKey()
	if err != nil {
		return nil, err
	}

	logger.Warnw("generated ephemeral signing key - tokens will be invalid after restart",
		"algorithm", key.Algorithm,
		"key_id", key.KeyID,
	)

	p.key = key
	return copyKey(p.key), nil
}

// PublicKeys returns the public key for JWKS, generating the signing key if
// it has not been generated yet.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKey, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKey{{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		PublicKey: key.Key.Public(),
		CreatedAt: key.CreatedAt,
	}}, nil
}

func (p *GeneratingProvider) generateKey() (*SigningKey, error) {
	privateKey, err := generatePrivateKey(p.algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	keyID, err := DeriveKeyID(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKey{
		KeyID:     keyID,
		Algorithm: p.algorithm,
		Key:       privateKey,
		CreatedAt: time.Now(),
	}, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// HMACProvider signs tokens with a shared HS256 secret.
// HMAC keys are never published via JWKS; downstream verification goes
// through the introspection or verify endpoints instead.
type HMACProvider struct {
	key *SigningKey
}

// NewHMACProvider creates a provider around a pre-loaded HMAC secret.
func NewHMACProvider(secret []byte) (*HMACProvider, error) {
	if len(secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d bytes", MinHMACSecretLength, len(secret))
	}

	// kid derived from the secret so restarts keep a stable identifier
	// without revealing the secret.
	sum := sha256.Sum256(secret)
	keyID := base64.RawURLEncoding.EncodeToString(sum[:8])

	return &HMACProvider{
		key: &SigningKey{
			KeyID:     keyID,
			Algorithm: "HS256",
			Secret:    secret,
			CreatedAt: time.Now(),
		},
	}, nil
}

// SigningKey returns the HMAC signing key.
func (p *HMACProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	return copyKey(p.key), nil
}

// PublicKeys returns an empty set; a shared secret must not be published.
func (*HMACProvider) PublicKeys(_ context.Context) ([]*PublicKey, error) {
	return nil, nil
}

func copyKey(k *SigningKey) *SigningKey {
	return &SigningKey{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Key:       k.Key,
		Secret:    k.Secret,
		CreatedAt: k.CreatedAt,
	}
}

// Compile-time interface checks.
var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
	_ Provider = (*HMACProvider)(nil)
)
