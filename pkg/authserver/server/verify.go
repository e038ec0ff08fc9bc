// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
)

// Identity headers set on a successful verification, in the shape reverse
// proxies commonly forward upstream.
const (
	HeaderAuthRequestUser   = "X-Auth-Request-User"
	HeaderAuthRequestName   = "X-Auth-Request-Name"
	HeaderAuthRequestEmail  = "X-Auth-Request-Email"
	HeaderAuthRequestClient = "X-Auth-Request-Client"
)

// VerifyHandler handles the forward-auth verification endpoint. Reverse
// proxies call it with the inbound request's bearer token; 200 means the
// token is live and the identity headers describe its holder. The check
// costs a single store round trip on top of local signature validation.
func (h *Handler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	result := h.tokens.Verify(r.Context(), bearerToken(r))
	if !result.Active {
		verifyTotal.WithLabelValues("rejected").Inc()
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	verifyTotal.WithLabelValues("ok").Inc()

	w.Header().Set(HeaderAuthRequestUser, result.Subject)
	if result.Name != "" {
		w.Header().Set(HeaderAuthRequestName, result.Name)
	}
	if result.Email != "" {
		w.Header().Set(HeaderAuthRequestEmail, result.Email)
	}
	w.Header().Set(HeaderAuthRequestClient, result.ClientID)
	w.WriteHeader(http.StatusOK)
}
