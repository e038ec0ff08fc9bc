// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authbridge/pkg/authserver/crypto"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/oauth"
)

// ErrUnauthorized indicates the presented registration access token does
// not match the client's stored token. Surfaced as 401 with no further
// detail.
var ErrUnauthorized = errors.New("invalid registration access token")

// TokenRevoker revokes every live token issued to a client. The token
// engine satisfies it; the registry runs it as part of the delete cascade.
type TokenRevoker interface {
	RevokeClientTokens(ctx context.Context, clientID string) (int, error)
}

// Registry implements dynamic client registration (RFC 7591) and the
// owner-authenticated management operations (RFC 7592) on top of the
// state store.
type Registry struct {
	store  storage.Store
	tokens TokenRevoker

	// clientTTL bounds registered client lifetime. Zero means clients do
	// not expire.
	clientTTL time.Duration
}

// NewRegistry creates a client registry backed by the given store. The
// revoker is invoked when a client is deleted.
func NewRegistry(store storage.Store, tokens TokenRevoker, clientTTL time.Duration) *Registry {
	return &Registry{
		store:     store,
		tokens:    tokens,
		clientTTL: clientTTL,
	}
}

// Register validates the request, generates credentials, and persists the
// new client record. A client secret is generated only when the declared
// auth method requires one.
func (r *Registry) Register(ctx context.Context, req *DCRRequest) (*storage.Client, error) {
	validated, merr := ValidateDCRRequest(req)
	if merr != nil {
		return nil, merr
	}

	client := &storage.Client{
		ID:                      uuid.NewString(),
		Name:                    validated.ClientName,
		RedirectURIs:            validated.RedirectURIs,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
		Scope:                   validated.Scope,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		RegistrationAccessToken: crypto.NewSecret(crypto.DefaultSecretLength),
		IssuedAt:                time.Now().Unix(),
	}

	if validated.TokenEndpointAuthMethod != oauth.TokenEndpointAuthMethodNone {
		client.Secret = crypto.NewSecret(crypto.DefaultSecretLength)
	}

	if err := r.store.PutClient(ctx, client, r.clientTTL); err != nil {
		return nil, fmt.Errorf("failed to persist client: %w", err)
	}

	logger.Infow("registered client",
		"client_id", client.ID,
		"client_name", client.Name,
		"auth_method", client.TokenEndpointAuthMethod,
	)

	return client, nil
}

// Get returns the client record after verifying the registration access
// token. Returns storage.ErrNotFound for unknown clients and
// ErrUnauthorized for a token mismatch.
func (r *Registry) Get(ctx context.Context, clientID, presentedToken string) (*storage.Client, error) {
	return r.authenticate(ctx, clientID, presentedToken)
}

// Update merges the mutable metadata fields (name, redirect URIs, scope)
// into the client record. The client ID, secret, and registration access
// token never change.
func (r *Registry) Update(ctx context.Context, clientID, presentedToken string, patch *DCRRequest) (*storage.Client, error) {
	client, err := r.authenticate(ctx, clientID, presentedToken)
	if err != nil {
		return nil, err
	}

	if len(patch.RedirectURIs) > 0 {
		if len(patch.RedirectURIs) > MaxRedirectURICount {
			return nil, invalidRedirectURI(fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount))
		}
		for _, uri := range patch.RedirectURIs {
			if err := oauth.ValidateRedirectURI(uri, oauth.RedirectURIPolicyStrict); err != nil {
				return nil, invalidRedirectURI(err.Error())
			}
		}
		client.RedirectURIs = patch.RedirectURIs
	}

	if patch.ClientName != "" {
		if len(patch.ClientName) > MaxClientNameLength {
			return nil, invalidMetadata(fmt.Sprintf("client_name too long (maximum %d characters)", MaxClientNameLength))
		}
		client.Name = patch.ClientName
	}

	if patch.Scope != "" {
		if len(patch.Scope) > MaxScopeLength {
			return nil, invalidMetadata(fmt.Sprintf("scope too long (maximum %d characters)", MaxScopeLength))
		}
		client.Scope = patch.Scope
	}

	if err := r.store.PutClient(ctx, client, r.clientTTL); err != nil {
		return nil, fmt.Errorf("failed to persist client update: %w", err)
	}

	logger.Infow("updated client", "client_id", clientID)
	return client, nil
}

// Delete removes the client and revokes every token issued to it. The
// cascade runs before the client record is removed and each step is
// idempotent, so a partially failed delete can simply be re-run.
func (r *Registry) Delete(ctx context.Context, clientID, presentedToken string) error {
	if _, err := r.authenticate(ctx, clientID, presentedToken); err != nil {
		return err
	}

	revoked, err := r.tokens.RevokeClientTokens(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to revoke client tokens: %w", err)
	}

	if err := r.store.DeleteClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	logger.Infow("deleted client", "client_id", clientID, "revoked_tokens", revoked)
	return nil
}

// authenticate loads the client and checks the registration access token
// in constant time.
func (r *Registry) authenticate(ctx context.Context, clientID, presentedToken string) (*storage.Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if presentedToken == "" || !crypto.SecureCompare(presentedToken, client.RegistrationAccessToken) {
		logger.Debugw("registration access token mismatch", "client_id", clientID)
		return nil, ErrUnauthorized
	}

	return client, nil
}

// ResponseFromClient builds the RFC 7591 response body for a client record.
// The registration access token is included only when includeToken is set:
// the initial registration response and the management read return it,
// update responses do not repeat it.
func ResponseFromClient(client *storage.Client, includeToken bool) *DCRResponse {
	resp := &DCRResponse{
		ClientID:                client.ID,
		ClientSecret:            client.Secret,
		ClientIDIssuedAt:        client.IssuedAt,
		ClientSecretExpiresAt:   client.SecretExpiresAt,
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.Name,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		Scope:                   client.Scope,
	}
	if includeToken {
		resp.RegistrationAccessToken = client.RegistrationAccessToken
	}
	return resp
}
