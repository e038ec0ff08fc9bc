// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/networking"
)

// DefaultExchangeTimeout bounds the code exchange round trip to the
// upstream provider. The authorization fails closed if it elapses.
const DefaultExchangeTimeout = 30 * time.Second

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	// IssuerURL is the provider's OIDC issuer, used for discovery.
	IssuerURL string

	// ClientID is this server's client ID at the upstream provider.
	ClientID string

	// ClientSecret is this server's client secret at the upstream provider.
	ClientSecret string

	// RedirectURL is this server's callback URL registered at the provider.
	RedirectURL string

	// Scopes are the scopes requested from the provider. "openid" is added
	// if absent.
	Scopes []string

	// ExchangeTimeout bounds the code exchange. Zero means
	// DefaultExchangeTimeout.
	ExchangeTimeout time.Duration
}

// OIDCProvider delegates end-user login to an upstream OIDC provider and
// verifies the returned ID token (signature, issuer, audience, nonce)
// before trusting the identity.
type OIDCProvider struct {
	oauthConfig     *oauth2.Config
	verifier        *oidc.IDTokenVerifier
	provider        *oidc.Provider
	exchangeTimeout time.Duration
}

// NewOIDCProvider discovers the upstream provider's endpoints and builds
// the OAuth2 configuration for the login delegation.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	httpClient := networking.NewHttpClient(networking.HttpTimeout)
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream provider: %w", err)
	}

	scopes := cfg.Scopes
	if !containsScope(scopes, oidc.ScopeOpenID) {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}

	exchangeTimeout := cfg.ExchangeTimeout
	if exchangeTimeout == 0 {
		exchangeTimeout = DefaultExchangeTimeout
	}

	return &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier:        provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		provider:        provider,
		exchangeTimeout: exchangeTimeout,
	}, nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// AuthorizationURL builds the upstream authorization URL with the given
// state, nonce, and a PKCE challenge derived from the verifier.
func (p *OIDCProvider) AuthorizationURL(state, nonce, pkceVerifier string) string {
	opts := []oauth2.AuthCodeOption{
		oidc.Nonce(nonce),
	}
	if pkceVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(pkceVerifier))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems the upstream authorization code, verifies the ID
// token, and extracts the end-user identity. The round trip is bounded by
// the configured exchange timeout and the caller's context, whichever
// fires first.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, pkceVerifier, nonce string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.exchangeTimeout)
	defer cancel()

	httpClient := networking.NewHttpClient(p.exchangeTimeout)
	ctx = oidc.ClientContext(ctx, httpClient)

	var opts []oauth2.AuthCodeOption
	if pkceVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pkceVerifier))
	}

	token, err := p.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no ID token in exchange response", ErrIdentityUnverified)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityUnverified, err)
	}

	if nonce != "" && idToken.Nonce != nonce {
		logger.Debugw("upstream ID token nonce mismatch")
		return nil, fmt.Errorf("%w: nonce mismatch", ErrIdentityUnverified)
	}

	var claims struct {
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	if idToken.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrIdentityUnverified)
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}

	return &Identity{
		Subject: idToken.Subject,
		Name:    name,
		Email:   claims.Email,
	}, nil
}

// Compile-time interface compliance check
var _ Provider = (*OIDCProvider)(nil)
