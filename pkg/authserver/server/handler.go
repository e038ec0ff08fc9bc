// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server provides the HTTP handlers for the OAuth authorization
// server endpoints: dynamic client registration and management, the
// authorization front channel, the token endpoint, introspection and
// revocation, forward-auth verification, and discovery.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/authbridge/pkg/authserver/flow"
	"github.com/stacklok/authbridge/pkg/authserver/keys"
	"github.com/stacklok/authbridge/pkg/authserver/registration"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/authserver/token"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/oauth"
)

// Handler provides HTTP handlers for the OAuth authorization server endpoints.
type Handler struct {
	issuer   string
	registry *registration.Registry
	flow     *flow.Engine
	tokens   *token.Engine
	keys     keys.Provider
	store    storage.Store
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	issuer string,
	registry *registration.Registry,
	flowEngine *flow.Engine,
	tokenEngine *token.Engine,
	keyProvider keys.Provider,
	store storage.Store,
) *Handler {
	return &Handler{
		issuer:   strings.TrimRight(issuer, "/"),
		registry: registry,
		flow:     flowEngine,
		tokens:   tokenEngine,
		keys:     keyProvider,
		store:    store,
	}
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)

	h.RegistrationRoutes(r)
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	h.OpsRoutes(r)

	return r
}

// RegistrationRoutes registers the RFC 7591/7592 endpoints.
func (h *Handler) RegistrationRoutes(r chi.Router) {
	r.Post("/register", h.RegisterHandler)
	r.Get("/register/{clientID}", h.ClientReadHandler)
	r.Put("/register/{clientID}", h.ClientUpdateHandler)
	r.Delete("/register/{clientID}", h.ClientDeleteHandler)
}

// OAuthRoutes registers the authorization, token, introspection,
// revocation, and verification endpoints.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Get("/callback", h.CallbackHandler)
	r.Post("/token", h.TokenHandler)
	r.Post("/introspect", h.IntrospectHandler)
	r.Post("/revoke", h.RevokeHandler)
	r.Get("/verify", h.VerifyHandler)
	r.Post("/verify", h.VerifyHandler)
}

// WellKnownRoutes registers well-known endpoints (JWKS, OAuth/OIDC discovery).
// Both discovery documents are served for maximum interoperability:
// - /.well-known/oauth-authorization-server (RFC 8414) for OAuth-only clients
// - /.well-known/openid-configuration (OIDC Discovery 1.0) for OIDC clients
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCDiscoveryHandler)
}

// OpsRoutes registers the health and metrics endpoints.
func (h *Handler) OpsRoutes(r chi.Router) {
	r.Get("/health", h.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())
}

// HealthHandler reports liveness, including store reachability.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		logger.Errorw("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// writeOAuthError writes an RFC 6749 Section 5.2 error body. Token
// responses must never be cached.
func writeOAuthError(w http.ResponseWriter, status int, errCode, desc string) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, oauth.ErrorResponse{
		Error:            errCode,
		ErrorDescription: desc,
	})
}

// clientCredentials extracts the client credentials from the request,
// preferring HTTP Basic over form parameters per RFC 6749 Section 2.3.1.
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// bearerToken extracts a bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
