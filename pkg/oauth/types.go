// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth provides shared RFC-defined types, constants, and validation
// utilities for OAuth 2.0 and OpenID Connect. It serves as a shared foundation
// for the authorization server packages, including redirect URI validation per
// RFC 6749 and RFC 8252 and discovery document types per RFC 8414.
package oauth

// OAuth 2.0 error codes per RFC 6749 Section 5.2 and RFC 7591 Section 3.2.2.
const (
	// ErrorInvalidRequest indicates the request is missing a required
	// parameter or is otherwise malformed.
	ErrorInvalidRequest = "invalid_request"

	// ErrorInvalidClient indicates client authentication failed.
	ErrorInvalidClient = "invalid_client"

	// ErrorInvalidGrant indicates the authorization code, refresh token, or
	// PKCE verifier is invalid, expired, revoked, or already used.
	ErrorInvalidGrant = "invalid_grant"

	// ErrorUnsupportedGrantType indicates the grant type is not supported.
	ErrorUnsupportedGrantType = "unsupported_grant_type"

	// ErrorUnauthorizedClient indicates the authenticated client is not
	// authorized to use the requested grant type.
	ErrorUnauthorizedClient = "unauthorized_client"

	// ErrorInvalidScope indicates the requested scope is invalid or exceeds
	// the scope granted to the client.
	ErrorInvalidScope = "invalid_scope"

	// ErrorAccessDenied indicates the resource owner or the authorization
	// server denied the request.
	ErrorAccessDenied = "access_denied"

	// ErrorServerError indicates an internal failure; surfaced instead of a
	// stack trace per RFC 6749.
	ErrorServerError = "server_error"

	// ErrorInvalidRedirectURI indicates the value of one or more
	// redirect_uris is invalid (RFC 7591).
	ErrorInvalidRedirectURI = "invalid_redirect_uri"

	// ErrorInvalidClientMetadata indicates one of the client metadata fields
	// is invalid (RFC 7591).
	ErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Token endpoint authentication methods. The set is closed by the OAuth spec;
// values outside it are rejected at registration time.
const (
	// TokenEndpointAuthMethodNone marks a public client with no secret.
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic authenticates via the HTTP Basic scheme.
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost authenticates via form body parameters.
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Grant and response types supported by this server.
const (
	// GrantTypeAuthorizationCode is the PKCE-protected authorization code grant.
	GrantTypeAuthorizationCode = "authorization_code"

	// GrantTypeRefreshToken exchanges a refresh token for a new access token.
	GrantTypeRefreshToken = "refresh_token"

	// ResponseTypeCode is the only supported response type.
	ResponseTypeCode = "code"
)

// ErrorResponse is the RFC 6749 Section 5.2 error body returned by the token,
// introspection and revocation endpoints.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata is the OAuth 2.0 Authorization Server Metadata
// document per RFC 8414.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// OIDCDiscoveryDocument extends the RFC 8414 metadata with the OIDC Discovery
// 1.0 required fields, for clients that only speak OIDC discovery.
type OIDCDiscoveryDocument struct {
	AuthorizationServerMetadata

	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}
