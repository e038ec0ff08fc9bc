// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"

	"github.com/stacklok/authbridge/pkg/authserver/flow"
	"github.com/stacklok/authbridge/pkg/logger"
	"github.com/stacklok/authbridge/pkg/oauth"
)

// AuthorizeHandler handles GET /authorize. Valid requests are answered
// with a redirect to the upstream identity provider; invalid ones get a
// 400 JSON body, never a redirect, since the redirect URI is not yet
// proven trustworthy.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &flow.StartRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
	}

	redirect, err := h.flow.Start(r.Context(), req)
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// CallbackHandler handles GET /callback, the upstream identity provider's
// redirect target. On any outcome with a trusted redirect URI the user is
// sent back to the client; otherwise the failure is rendered directly.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	redirect, err := h.flow.HandleCallback(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"))
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

func (*Handler) writeFlowError(w http.ResponseWriter, err error) {
	var ferr *flow.Error
	if errors.As(err, &ferr) {
		writeOAuthError(w, http.StatusBadRequest, ferr.Code, ferr.Description)
		return
	}
	logger.Errorw("authorization flow failed", "error", err)
	writeOAuthError(w, http.StatusInternalServerError, oauth.ErrorServerError, "internal error")
}
