// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"

	"github.com/stacklok/authbridge/pkg/authserver/token"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/oauth"
)

// IntrospectHandler handles POST /introspect per RFC 7662. Callers
// authenticate with their client credentials; any token failure is
// reported as active: false without further detail.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidRequest, "malformed form body")
		return
	}

	if !h.authenticateIntrospectionClient(w, r) {
		return
	}

	result := h.tokens.Introspect(r.Context(), r.PostFormValue("token"))

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, result)
}

// RevokeHandler handles POST /revoke per RFC 7009. Revoking an unknown or
// already-revoked token still returns 200.
func (h *Handler) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidRequest, "malformed form body")
		return
	}

	if !h.authenticateIntrospectionClient(w, r) {
		return
	}

	if err := h.tokens.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		logger.Errorw("token revocation failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, oauth.ErrorServerError, "internal error")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// authenticateIntrospectionClient authenticates the caller and writes the
// 401 response itself on failure. Returns true when the caller may
// proceed.
func (h *Handler) authenticateIntrospectionClient(w http.ResponseWriter, r *http.Request) bool {
	clientID, clientSecret := clientCredentials(r)
	err := h.tokens.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err == nil {
		return true
	}

	if errors.Is(err, token.ErrInvalidClient) {
		w.Header().Set("WWW-Authenticate", `Basic realm="introspection"`)
		writeOAuthError(w, http.StatusUnauthorized, oauth.ErrorInvalidClient, "client authentication failed")
		return false
	}

	logger.Errorw("client authentication failed", "client_id", clientID, "error", err)
	writeOAuthError(w, http.StatusInternalServerError, oauth.ErrorServerError, "internal error")
	return false
}
