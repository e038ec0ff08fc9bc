// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Default TTLs for the record types held in the store. Each Put call takes
// an explicit TTL; these are the values the server wires in when the
// operator does not override them.
const (
	// DefaultAuthStateTTL bounds how long a user has to complete the
	// upstream IdP login before the authorization attempt is abandoned.
	DefaultAuthStateTTL = 10 * time.Minute

	// DefaultAuthCodeTTL bounds the window between code issuance and
	// redemption at the token endpoint.
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is the access token lifetime. The jti mirror
	// record carries the same TTL so revocability and the exp claim agree.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL is the refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultCleanupInterval is how often the in-memory store sweeps
	// expired entries.
	DefaultCleanupInterval = 5 * time.Minute
)

// Retry policy for the Redis-backed store. Only transient connectivity
// failures are retried; ErrNotFound and context cancellation never are.
const (
	// DefaultRetryMaxAttempts caps store round-trip retries. When the
	// budget is exhausted the request fails with the underlying error and
	// no partial state is committed.
	DefaultRetryMaxAttempts = 3

	// DefaultRetryInitialInterval is the first backoff delay.
	DefaultRetryInitialInterval = 100 * time.Millisecond

	// DefaultRetryMaxInterval caps the backoff delay.
	DefaultRetryMaxInterval = 1 * time.Second
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is the Redis AUTH password, empty for none.
	Password string

	// DB is the Redis logical database number.
	DB int

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// ReadTimeout bounds individual read commands.
	ReadTimeout time.Duration

	// WriteTimeout bounds individual write commands.
	WriteTimeout time.Duration

	// RetryMaxAttempts caps retries of a failed round trip. Zero means
	// DefaultRetryMaxAttempts.
	RetryMaxAttempts uint
}
