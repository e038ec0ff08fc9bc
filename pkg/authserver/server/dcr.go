// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authbridge/pkg/authserver/registration"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/logger"
)

// maxDCRBodySize limits registration request bodies to prevent memory
// exhaustion from oversized payloads.
const maxDCRBodySize = 64 * 1024

// RegisterHandler handles POST /register per RFC 7591. Registration is
// open: no authentication is required to create a client.
func (h *Handler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registration.DCRRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxDCRBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDCRError(w, http.StatusBadRequest, &registration.DCRError{
			Error:            registration.DCRErrorInvalidClientMetadata,
			ErrorDescription: "invalid request body",
		})
		return
	}

	client, err := h.registry.Register(r.Context(), &req)
	if err != nil {
		var merr *registration.MetadataError
		if errors.As(err, &merr) {
			writeDCRError(w, http.StatusBadRequest, &registration.DCRError{
				Error:            merr.Code,
				ErrorDescription: merr.Description,
			})
			return
		}
		logger.Errorw("client registration failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, registration.ResponseFromClient(client, true))
}

// ClientReadHandler handles GET /register/{clientID} per RFC 7592.
func (h *Handler) ClientReadHandler(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	client, err := h.registry.Get(r.Context(), clientID, bearerToken(r))
	if err != nil {
		h.writeManagementError(w, clientID, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, registration.ResponseFromClient(client, true))
}

// ClientUpdateHandler handles PUT /register/{clientID} per RFC 7592.
// Only the mutable metadata fields are touched; credentials never change.
func (h *Handler) ClientUpdateHandler(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var patch registration.DCRRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxDCRBodySize)
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeDCRError(w, http.StatusBadRequest, &registration.DCRError{
			Error:            registration.DCRErrorInvalidClientMetadata,
			ErrorDescription: "invalid request body",
		})
		return
	}

	client, err := h.registry.Update(r.Context(), clientID, bearerToken(r), &patch)
	if err != nil {
		var merr *registration.MetadataError
		if errors.As(err, &merr) {
			writeDCRError(w, http.StatusBadRequest, &registration.DCRError{
				Error:            merr.Code,
				ErrorDescription: merr.Description,
			})
			return
		}
		h.writeManagementError(w, clientID, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, registration.ResponseFromClient(client, false))
}

// ClientDeleteHandler handles DELETE /register/{clientID} per RFC 7592.
// Deleting a client revokes every token issued to it before the record is
// removed.
func (h *Handler) ClientDeleteHandler(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	if err := h.registry.Delete(r.Context(), clientID, bearerToken(r)); err != nil {
		h.writeManagementError(w, clientID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeManagementError maps registry errors onto the RFC 7592 status
// codes: 401 for a bad registration token, 404 for an unknown client.
func (*Handler) writeManagementError(w http.ResponseWriter, clientID string, err error) {
	switch {
	case errors.Is(err, registration.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "client not found", http.StatusNotFound)
	default:
		logger.Errorw("client management operation failed", "client_id", clientID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeDCRError writes an RFC 7591 error response body.
func writeDCRError(w http.ResponseWriter, status int, dcrErr *registration.DCRError) {
	writeJSON(w, status, dcrErr)
}
