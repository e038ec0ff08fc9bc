// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// RedirectURIPolicy controls which redirect URI schemes are accepted.
type RedirectURIPolicy int

const (
	// RedirectURIPolicyStrict allows https for any host and http only for
	// loopback addresses (RFC 8252 Section 7.3).
	RedirectURIPolicyStrict RedirectURIPolicy = iota

	// RedirectURIPolicyAllowPrivateSchemes additionally allows private-use
	// schemes (e.g. "myapp:/callback") for native apps (RFC 8252 Section 7.1).
	RedirectURIPolicyAllowPrivateSchemes
)

// ErrEmptyRedirectURI is returned when a redirect URI is empty.
var ErrEmptyRedirectURI = errors.New("redirect URI must not be empty")

// ValidateRedirectURI validates a single redirect URI against the policy.
// The URI must be absolute, must not carry a fragment, and must use an
// allowed scheme. Matching against registered URIs is always exact; this
// function only gates what may be registered in the first place.
func ValidateRedirectURI(uri string, policy RedirectURIPolicy) error {
	if uri == "" {
		return ErrEmptyRedirectURI
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("redirect URI is not a valid URI: %w", err)
	}

	if !parsed.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", uri)
	}

	// RFC 6749 Section 3.1.2: the redirection endpoint URI MUST NOT include
	// a fragment component.
	if parsed.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect URI %q must not contain a fragment", uri)
	}

	switch parsed.Scheme {
	case "https":
		if parsed.Host == "" {
			return fmt.Errorf("redirect URI %q has no host", uri)
		}
		return nil

	case "http":
		if !isLoopbackHost(parsed.Hostname()) {
			return fmt.Errorf("http redirect URI %q is only allowed for loopback addresses", uri)
		}
		return nil

	default:
		if policy == RedirectURIPolicyAllowPrivateSchemes && strings.Contains(parsed.Scheme, ".") {
			// Private-use schemes are reverse-DNS per RFC 8252 Section 7.1.
			return nil
		}
		return fmt.Errorf("redirect URI scheme %q is not allowed", parsed.Scheme)
	}
}

// isLoopbackHost reports whether host is a loopback address or "localhost".
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
