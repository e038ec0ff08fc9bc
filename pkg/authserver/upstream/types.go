// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the external identity provider contract: the
// authorization server delegates end-user login to an upstream OIDC
// provider, redirecting the user there and exchanging the provider's
// authorization code for a verified identity.
package upstream

import (
	"context"
	"errors"
)

// ErrIdentityUnverified indicates the provider response could not be tied
// to a verified end-user identity (missing or invalid ID token, nonce
// mismatch, empty subject).
var ErrIdentityUnverified = errors.New("upstream identity could not be verified")

// Identity is the authenticated end-user identity returned by the upstream
// provider.
type Identity struct {
	// Subject is the provider's stable user identifier.
	Subject string

	// Name is the display name, if the provider supplied one.
	Name string

	// Email is the user's email, if the provider supplied one.
	Email string
}

// Provider is the upstream IdP contract consumed by the authorization flow
// engine. Implementations must bound all network calls by the caller's
// context; a timeout fails the authorization, never silently succeeds.
type Provider interface {
	// AuthorizationURL builds the provider's authorization URL for one
	// login attempt. The state correlates the callback, the nonce binds the
	// ID token, and the PKCE verifier protects the upstream code exchange.
	AuthorizationURL(state, nonce, pkceVerifier string) string

	// ExchangeCode redeems the provider's authorization code and returns
	// the verified end-user identity.
	ExchangeCode(ctx context.Context, code, pkceVerifier, nonce string) (*Identity, error)
}
