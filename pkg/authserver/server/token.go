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

// TokenHandler handles POST /token for the authorization_code and
// refresh_token grants per RFC 6749.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidRequest, "malformed form body")
		return
	}

	clientID, clientSecret := clientCredentials(r)

	var resp *token.Response
	var err error

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case oauth.GrantTypeAuthorizationCode:
		resp, err = h.tokens.Exchange(r.Context(), &token.ExchangeRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
		})
	case oauth.GrantTypeRefreshToken:
		resp, err = h.tokens.Refresh(r.Context(), clientID, clientSecret, r.PostFormValue("refresh_token"))
	default:
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorUnsupportedGrantType,
			"grant_type must be 'authorization_code' or 'refresh_token'")
		return
	}

	if err != nil {
		h.writeGrantError(w, err)
		return
	}

	tokensIssuedTotal.WithLabelValues(grantType).Inc()

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// writeGrantError maps token engine errors onto RFC 6749 responses. State
// consistency failures are undifferentiated invalid_grant; authentication
// failures get 401 and a challenge.
func (*Handler) writeGrantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidClient):
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		writeOAuthError(w, http.StatusUnauthorized, oauth.ErrorInvalidClient, "client authentication failed")
	case errors.Is(err, token.ErrInvalidGrant):
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidGrant, "invalid grant")
	case errors.Is(err, token.ErrUnauthorizedClient):
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorUnauthorizedClient,
			"client is not authorized for this grant type")
	case errors.Is(err, token.ErrUnsupportedGrantType):
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorUnsupportedGrantType, "unsupported grant type")
	default:
		logger.Errorw("token request failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, oauth.ErrorServerError, "internal error")
	}
}
