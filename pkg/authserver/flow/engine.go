// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow implements the authorization flow engine: it validates
// /authorize requests, delegates end-user login to the upstream identity
// provider, and mints one-time authorization codes on the provider's
// callback.
//
// Two state values are in play per authorization attempt. The client's own
// state is held server-side and echoed back on the final redirect; a
// separately generated internal state keys the stored attempt and travels
// through the upstream provider, so a forged callback cannot address the
// record with a value the client ever saw.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/authbridge/pkg/authserver/crypto"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/authserver/upstream"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/oauth"
)

// Error is an authorization request failure that cannot be delivered via
// redirect: the client is unknown, the redirect URI does not match, or the
// request is malformed. The HTTP layer renders it as a 400/401 JSON body.
type Error struct {
	// Code is the RFC 6749 error code.
	Code string

	// Description is human-readable detail.
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func badRequest(code, desc string) *Error {
	return &Error{Code: code, Description: desc}
}

// AllowList restricts which upstream identities may complete
// authorization. An empty allow list permits everyone.
type AllowList struct {
	// Users are exact matches against the identity's email or subject.
	Users []string

	// Domains match the domain part of the identity's email.
	Domains []string
}

// Permits reports whether the identity may complete authorization.
func (a *AllowList) Permits(identity *upstream.Identity) bool {
	if len(a.Users) == 0 && len(a.Domains) == 0 {
		return true
	}

	if slices.Contains(a.Users, identity.Subject) {
		return true
	}
	if identity.Email != "" && slices.Contains(a.Users, identity.Email) {
		return true
	}

	if identity.Email != "" {
		if _, domain, found := strings.Cut(identity.Email, "@"); found {
			for _, allowed := range a.Domains {
				if strings.EqualFold(domain, allowed) {
					return true
				}
			}
		}
	}

	return false
}

// Config holds the flow engine's tunables.
type Config struct {
	// AuthStateTTL bounds how long a user has to complete upstream login.
	// Zero means storage.DefaultAuthStateTTL.
	AuthStateTTL time.Duration

	// AuthCodeTTL bounds the issued code's redemption window. Zero means
	// storage.DefaultAuthCodeTTL.
	AuthCodeTTL time.Duration

	// AllowList restricts which identities may complete authorization.
	AllowList AllowList
}

// Engine drives the authorization-code front channel.
type Engine struct {
	store    storage.Store
	provider upstream.Provider
	cfg      Config
}

// NewEngine creates a flow engine.
func NewEngine(store storage.Store, provider upstream.Provider, cfg Config) *Engine {
	if cfg.AuthStateTTL == 0 {
		cfg.AuthStateTTL = storage.DefaultAuthStateTTL
	}
	if cfg.AuthCodeTTL == 0 {
		cfg.AuthCodeTTL = storage.DefaultAuthCodeTTL
	}
	return &Engine{
		store:    store,
		provider: provider,
		cfg:      cfg,
	}
}

// StartRequest carries the parameters of a /authorize request.
type StartRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// Start validates the authorization request, stores the in-flight state,
// and returns the upstream provider URL to redirect the user to.
//
// Validation failures are returned as *Error and must NOT be delivered by
// redirect: until the redirect URI is proven registered, redirecting would
// hand an attacker an open redirector.
func (e *Engine) Start(ctx context.Context, req *StartRequest) (string, error) {
	if req.ClientID == "" {
		return "", badRequest(oauth.ErrorInvalidRequest, "client_id is required")
	}

	client, err := e.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", badRequest(oauth.ErrorInvalidClient, "unknown client")
		}
		return "", fmt.Errorf("failed to load client: %w", err)
	}

	// Exact string match against the registered URIs, no prefix or
	// normalization tricks.
	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		logger.Debugw("redirect_uri not registered", "client_id", req.ClientID)
		return "", badRequest(oauth.ErrorInvalidRequest, "redirect_uri is not registered for this client")
	}

	if req.ResponseType != oauth.ResponseTypeCode {
		return "", badRequest(oauth.ErrorInvalidRequest, "response_type must be 'code'")
	}

	if req.State == "" {
		return "", badRequest(oauth.ErrorInvalidRequest, "state is required")
	}

	// PKCE is mandatory and S256-only; "plain" is a downgrade, not an option.
	if req.CodeChallenge == "" {
		return "", badRequest(oauth.ErrorInvalidRequest, "code_challenge is required")
	}
	if req.CodeChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return "", badRequest(oauth.ErrorInvalidRequest, "code_challenge_method must be 'S256'")
	}

	state := &storage.AuthState{
		State:               req.State,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               req.Scope,
		InternalState:       crypto.NewOpaqueToken(),
		UpstreamVerifier:    crypto.GeneratePKCEVerifier(),
		UpstreamNonce:       crypto.NewOpaqueToken(),
		CreatedAt:           time.Now(),
	}

	if err := e.store.PutAuthState(ctx, state, e.cfg.AuthStateTTL); err != nil {
		return "", fmt.Errorf("failed to store authorization state: %w", err)
	}

	return e.provider.AuthorizationURL(state.InternalState, state.UpstreamNonce, state.UpstreamVerifier), nil
}

// HandleCallback processes the upstream provider's redirect. It consumes
// the stored authorization state (deleting it whether or not the rest of
// the transition succeeds, so a stale state can never be replayed),
// exchanges the provider's code for a verified identity, applies the allow
// list, and mints the one-time authorization code.
//
// The returned URL is the redirect back to the client: either
// code-and-state on success or an RFC 6749 error redirect. An error return
// means no trustworthy redirect URI exists and the HTTP layer must render
// the failure directly.
func (e *Engine) HandleCallback(ctx context.Context, internalState, code, providerError string) (string, error) {
	if internalState == "" {
		return "", badRequest(oauth.ErrorInvalidRequest, "state is required")
	}

	state, err := e.store.TakeAuthState(ctx, internalState)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", badRequest(oauth.ErrorInvalidRequest, "unknown or expired authorization state")
		}
		return "", fmt.Errorf("failed to consume authorization state: %w", err)
	}

	// From here the redirect URI is trusted; failures go back to the client
	// as error redirects.
	if providerError != "" {
		logger.Infow("upstream provider returned error",
			"client_id", state.ClientID, "error", providerError)
		return errorRedirect(state, oauth.ErrorAccessDenied, "upstream authentication failed"), nil
	}

	if code == "" {
		return errorRedirect(state, oauth.ErrorInvalidRequest, "missing authorization code"), nil
	}

	identity, err := e.provider.ExchangeCode(ctx, code, state.UpstreamVerifier, state.UpstreamNonce)
	if err != nil {
		logger.Errorw("upstream code exchange failed", "client_id", state.ClientID, "error", err)
		return errorRedirect(state, oauth.ErrorServerError, "failed to verify upstream identity"), nil
	}

	if !e.cfg.AllowList.Permits(identity) {
		logger.Infow("identity not permitted", "client_id", state.ClientID, "subject", identity.Subject)
		return errorRedirect(state, oauth.ErrorAccessDenied, "user is not permitted"), nil
	}

	authCode := &storage.AuthCode{
		Code:                crypto.NewOpaqueToken(),
		ClientID:            state.ClientID,
		RedirectURI:         state.RedirectURI,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		Scope:               state.Scope,
		User: storage.UserIdentity{
			Subject: identity.Subject,
			Name:    identity.Name,
			Email:   identity.Email,
		},
		IssuedAt: time.Now(),
	}

	if err := e.store.PutAuthCode(ctx, authCode, e.cfg.AuthCodeTTL); err != nil {
		logger.Errorw("failed to store authorization code", "client_id", state.ClientID, "error", err)
		return errorRedirect(state, oauth.ErrorServerError, "failed to issue authorization code"), nil
	}

	logger.Infow("issued authorization code",
		"client_id", state.ClientID, "subject", identity.Subject)

	return successRedirect(state, authCode.Code), nil
}

func successRedirect(state *storage.AuthState, code string) string {
	return buildRedirect(state.RedirectURI, url.Values{
		"code":  {code},
		"state": {state.State},
	})
}

func errorRedirect(state *storage.AuthState, errCode, desc string) string {
	return buildRedirect(state.RedirectURI, url.Values{
		"error":             {errCode},
		"error_description": {desc},
		"state":             {state.State},
	})
}

func buildRedirect(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// The URI was validated at registration and at /authorize; this is
		// unreachable in practice.
		return redirectURI
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
