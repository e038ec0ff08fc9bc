// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking provides HTTP client utilities with bounded timeouts
// for outbound calls made by the authorization server.
package networking

import (
	"net"
	"net/http"
	"time"
)

// HTTPClient is the interface for making HTTP requests.
// It allows substituting a recording client in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HttpTimeout is the default overall timeout for outgoing HTTP requests.
// Every upstream IdP call made by this server goes through a client with
// this bound so a hung IdP fails the request closed instead of hanging it.
const HttpTimeout = 30 * time.Second

// DefaultTLSHandshakeTimeout is the timeout for the TLS handshake.
const DefaultTLSHandshakeTimeout = 10 * time.Second

// DefaultResponseHeaderTimeout is the timeout for receiving response headers.
const DefaultResponseHeaderTimeout = 10 * time.Second

// NewHttpClient returns an HTTP client with bounded connect, TLS and
// response-header timeouts. A zero timeout selects HttpTimeout.
func NewHttpClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = HttpTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
