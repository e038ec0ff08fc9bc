// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net/http"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/authbridge/pkg/authserver/crypto"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/oauth"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS
	// endpoint (1 hour). Balances caching efficiency with timely key
	// rotation propagation.
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the
	// discovery endpoints (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// JWKSHandler handles GET /.well-known/jwks.json. It publishes the public
// halves of the signing keys; HMAC providers publish an empty set.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	publicKeys, err := h.keys.PublicKeys(r.Context())
	if err != nil {
		logger.Errorw("failed to load public keys", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	set := jwk.NewSet()
	for _, pub := range publicKeys {
		key, err := jwk.Import(pub.PublicKey)
		if err != nil {
			logger.Errorw("failed to convert public key to JWK", "kid", pub.KeyID, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if err := key.Set(jwk.KeyIDKey, pub.KeyID); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if err := key.Set(jwk.AlgorithmKey, pub.Algorithm); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if err := set.AddKey(key); err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	writeJSON(w, http.StatusOK, set)
}

// buildOAuthMetadata constructs the OAuth 2.0 Authorization Server
// Metadata (RFC 8414), shared between the OAuth metadata endpoint and the
// OIDC discovery endpoint.
func (h *Handler) buildOAuthMetadata() oauth.AuthorizationServerMetadata {
	return oauth.AuthorizationServerMetadata{
		// REQUIRED
		Issuer: h.issuer,

		// RECOMMENDED
		AuthorizationEndpoint:  h.issuer + "/authorize",
		TokenEndpoint:          h.issuer + "/token",
		JWKSURI:                h.issuer + "/.well-known/jwks.json",
		RegistrationEndpoint:   h.issuer + "/register",
		IntrospectionEndpoint:  h.issuer + "/introspect",
		RevocationEndpoint:     h.issuer + "/revoke",
		ResponseTypesSupported: []string{oauth.ResponseTypeCode},

		// OPTIONAL
		GrantTypesSupported: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
		},
		CodeChallengeMethodsSupported: []string{crypto.PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{
			oauth.TokenEndpointAuthMethodBasic,
			oauth.TokenEndpointAuthMethodPost,
			oauth.TokenEndpointAuthMethodNone,
		},
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server
// per RFC 8414, for non-OIDC OAuth clients.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	writeJSON(w, http.StatusOK, h.buildOAuthMetadata())
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration. It
// extends the RFC 8414 metadata with the OIDC Discovery 1.0 required
// fields.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	doc := oauth.OIDCDiscoveryDocument{
		AuthorizationServerMetadata: h.buildOAuthMetadata(),

		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: h.signingAlgorithms(r),
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	writeJSON(w, http.StatusOK, doc)
}

// signingAlgorithms collects the distinct algorithms across the published
// keys, falling back to RS256 per OIDC Core Section 15.1 when none are
// available.
func (h *Handler) signingAlgorithms(r *http.Request) []string {
	publicKeys, err := h.keys.PublicKeys(r.Context())
	if err != nil || len(publicKeys) == 0 {
		return []string{"RS256"}
	}

	seen := make(map[string]bool)
	var algs []string
	for _, key := range publicKeys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}
