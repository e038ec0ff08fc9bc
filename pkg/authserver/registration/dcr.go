// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registration provides OAuth 2.0 Dynamic Client Registration per
// RFC 7591 and client management per RFC 7592: request validation, client
// record creation, and the owner-authenticated read/update/delete
// operations including the token cascade on delete.
package registration

import (
	"fmt"
	"slices"

	"github.com/stacklok/authbridge/pkg/oauth"
)

// DCR error codes per RFC 7591 Section 3.2.2
const (
	// DCRErrorInvalidRedirectURI indicates that the value of one or more
	// redirect_uris is invalid.
	DCRErrorInvalidRedirectURI = "invalid_redirect_uri"

	// DCRErrorInvalidClientMetadata indicates that the value of one of the
	// client metadata fields is invalid and the server has rejected this request.
	DCRErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Validation limits to prevent DoS attacks via excessively large requests.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs allowed per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a client name.
	MaxClientNameLength = 256

	// MaxScopeLength is the maximum allowed length for the scope string.
	MaxScopeLength = 1024
)

// MetadataError is a client metadata validation failure, carrying the RFC
// 7591 error code for the HTTP layer to serialize.
type MetadataError struct {
	// Code is a single ASCII error code from the RFC 7591 set.
	Code string

	// Description is human-readable text providing additional information.
	Description string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func invalidRedirectURI(desc string) *MetadataError {
	return &MetadataError{Code: DCRErrorInvalidRedirectURI, Description: desc}
}

func invalidMetadata(desc string) *MetadataError {
	return &MetadataError{Code: DCRErrorInvalidClientMetadata, Description: desc}
}

// DCRRequest represents an OAuth 2.0 Dynamic Client Registration request
// per RFC 7591 Section 2. The same shape is accepted for RFC 7592 updates.
type DCRRequest struct {
	// RedirectURIs is an array of redirection URIs for the client. Required.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is a human-readable name for the client.
	ClientName string `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod is the requested authentication method for
	// the token endpoint. Defaults to "client_secret_basic".
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes is an array of OAuth 2.0 grant types the client may use.
	// Defaults to ["authorization_code", "refresh_token"] if not specified.
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes is an array of OAuth 2.0 response types the client may use.
	// Defaults to ["code"] if not specified.
	ResponseTypes []string `json:"response_types,omitempty"`

	// Scope is the space-delimited scope string the client requests.
	Scope string `json:"scope,omitempty"`
}

// DCRResponse represents a successful registration or management read
// response per RFC 7591 Section 3.2.1.
type DCRResponse struct {
	// ClientID is the unique identifier for the client.
	ClientID string `json:"client_id"`

	// ClientSecret is the client secret. Omitted for public clients.
	ClientSecret string `json:"client_secret,omitempty"`

	// ClientIDIssuedAt is the time at which the client identifier was issued,
	// as a Unix timestamp.
	ClientIDIssuedAt int64 `json:"client_id_issued_at,omitempty"`

	// ClientSecretExpiresAt is when the secret expires, 0 for never.
	ClientSecretExpiresAt int64 `json:"client_secret_expires_at"`

	// RegistrationAccessToken authenticates RFC 7592 management calls for
	// this client.
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`

	// RedirectURIs is an array of redirection URIs for the client.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is a human-readable name for the client.
	ClientName string `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod is the authentication method for the token endpoint.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// GrantTypes is an array of OAuth 2.0 grant types the client may use.
	GrantTypes []string `json:"grant_types"`

	// ResponseTypes is an array of OAuth 2.0 response types the client may use.
	ResponseTypes []string `json:"response_types"`

	// Scope is the space-delimited scope string granted to the client.
	Scope string `json:"scope,omitempty"`
}

// DCRError represents an OAuth 2.0 Dynamic Client Registration error
// response per RFC 7591 Section 3.2.2.
type DCRError struct {
	// Error is a single ASCII error code from the defined set.
	Error string `json:"error"`

	// ErrorDescription is a human-readable text providing additional information.
	ErrorDescription string `json:"error_description,omitempty"`
}

// defaultGrantTypes are the default grant types for registered clients.
var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

// allowedGrantTypes defines the grant types this server issues.
var allowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

// defaultResponseTypes are the default response types for registered clients.
var defaultResponseTypes = []string{"code"}

// allowedResponseTypes defines the response types this server supports.
var allowedResponseTypes = map[string]bool{
	"code": true,
}

// allowedAuthMethods defines the token endpoint auth methods this server
// supports: secret-based (Basic or POST body) and public clients.
var allowedAuthMethods = map[string]bool{
	oauth.TokenEndpointAuthMethodBasic: true,
	oauth.TokenEndpointAuthMethodPost:  true,
	oauth.TokenEndpointAuthMethodNone:  true,
}

// ValidateDCRRequest validates a registration request according to RFC 7591
// and the server's security policy. Returns the validated request with
// defaults applied, or a MetadataError describing the rejection.
func ValidateDCRRequest(req *DCRRequest) (*DCRRequest, *MetadataError) {
	if len(req.RedirectURIs) == 0 {
		return nil, invalidRedirectURI("redirect_uris is required")
	}

	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, invalidRedirectURI(fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount))
	}

	for _, uri := range req.RedirectURIs {
		if err := oauth.ValidateRedirectURI(uri, oauth.RedirectURIPolicyStrict); err != nil {
			return nil, invalidRedirectURI(err.Error())
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, invalidMetadata(fmt.Sprintf("client_name too long (maximum %d characters)", MaxClientNameLength))
	}

	if len(req.Scope) > MaxScopeLength {
		return nil, invalidMetadata(fmt.Sprintf("scope too long (maximum %d characters)", MaxScopeLength))
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = oauth.TokenEndpointAuthMethodBasic
	}
	if !allowedAuthMethods[authMethod] {
		return nil, invalidMetadata("unsupported token_endpoint_auth_method: " + authMethod)
	}

	grantTypes, merr := validateGrantTypes(req.GrantTypes)
	if merr != nil {
		return nil, merr
	}

	responseTypes, merr := validateResponseTypes(req.ResponseTypes)
	if merr != nil {
		return nil, merr
	}

	return &DCRRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   req.Scope,
	}, nil
}

func validateGrantTypes(grantTypes []string) ([]string, *MetadataError) {
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	// Require authorization_code explicitly - provides a clearer error for
	// the "refresh_token only" case that would otherwise pass the allowlist.
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, invalidMetadata("grant_types must include 'authorization_code'")
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, invalidMetadata("unsupported grant_type: " + gt)
		}
	}
	return grantTypes, nil
}

func validateResponseTypes(responseTypes []string) ([]string, *MetadataError) {
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	if !slices.Contains(responseTypes, "code") {
		return nil, invalidMetadata("response_types must include 'code'")
	}
	for _, rt := range responseTypes {
		if !allowedResponseTypes[rt] {
			return nil, invalidMetadata("unsupported response_type: " + rt)
		}
	}
	return responseTypes, nil
}
