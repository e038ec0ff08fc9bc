// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/authbridge/pkg/authserver/flow"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/authserver/upstream"
	"github.com/stacklok/authbridge/pkg/logger"
)

// DefaultListenAddr is the default HTTP listen address.
const DefaultListenAddr = ":8080"

// Storage backend names accepted by Config.Storage.Backend.
const (
	// StorageBackendMemory keeps all state in process memory. Suitable for
	// a single instance; state is lost on restart.
	StorageBackendMemory = "memory"

	// StorageBackendRedis persists state in Redis, required for
	// multi-instance deployments.
	StorageBackendRedis = "redis"
)

// Config is the fully resolved configuration for the authorization server.
type Config struct {
	// Issuer is the issuer identifier, included in the "iss" claim of
	// issued tokens and in the discovery documents. Must be an absolute
	// https URL without query or fragment.
	Issuer string

	// ListenAddr is the HTTP listen address. Defaults to DefaultListenAddr.
	ListenAddr string

	// Keys configures the JWT signing key source.
	Keys KeyConfig

	// Storage selects and configures the state store.
	Storage StorageConfig

	// Upstream configures the identity provider that end-user login is
	// delegated to.
	Upstream upstream.OIDCConfig

	// AllowedUsers restricts login to exact subject or email matches.
	// Empty together with AllowedDomains means everyone may log in.
	AllowedUsers []string

	// AllowedDomains restricts login to email domains, matched
	// case-insensitively.
	AllowedDomains []string

	// AccessTokenTTL is the access token lifetime. Zero means
	// storage.DefaultAccessTokenTTL.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Zero means
	// storage.DefaultRefreshTokenTTL.
	RefreshTokenTTL time.Duration

	// AuthStateTTL bounds how long a user has to complete upstream login.
	// Zero means storage.DefaultAuthStateTTL.
	AuthStateTTL time.Duration

	// AuthCodeTTL bounds the authorization code redemption window. Zero
	// means storage.DefaultAuthCodeTTL.
	AuthCodeTTL time.Duration

	// ClientTTL expires dynamically registered clients after the given
	// duration. Zero means clients never expire.
	ClientTTL time.Duration

	// DisableRefreshRotation keeps refresh tokens stable across refreshes
	// instead of rotating them.
	DisableRefreshRotation bool
}

// KeyConfig configures the signing key source. The sources are tried in
// order: HMAC secret file, PEM signing key file, ephemeral generated key.
type KeyConfig struct {
	// SigningKeyFile is a PEM file holding the primary signing key.
	SigningKeyFile string

	// FallbackKeyFiles are additional PEM files published via JWKS so
	// tokens signed before a rotation still verify.
	FallbackKeyFiles []string

	// Algorithm optionally overrides the algorithm derived from the key
	// type, and selects the curve for generated keys.
	Algorithm string

	// HMACSecretFile is a file holding a shared HS256 secret. Mutually
	// exclusive with SigningKeyFile.
	HMACSecretFile string
}

// StorageConfig selects the state store backend.
type StorageConfig struct {
	// Backend is StorageBackendMemory or StorageBackendRedis. Defaults to
	// memory.
	Backend string

	// Redis configures the Redis backend.
	Redis storage.RedisConfig
}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	issuer, err := url.Parse(c.Issuer)
	if err != nil || !issuer.IsAbs() {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	if issuer.RawQuery != "" || issuer.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	if c.Keys.SigningKeyFile != "" && c.Keys.HMACSecretFile != "" {
		return fmt.Errorf("signing key file and HMAC secret file are mutually exclusive")
	}

	switch c.Storage.Backend {
	case "", StorageBackendMemory:
	case StorageBackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	if c.Upstream.IssuerURL == "" {
		return fmt.Errorf("upstream issuer URL is required")
	}
	if c.Upstream.ClientID == "" {
		return fmt.Errorf("upstream client ID is required")
	}

	return nil
}

// applyDefaults fills in defaults where values are unset.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	c.Issuer = strings.TrimRight(c.Issuer, "/")
	if c.Upstream.RedirectURL == "" {
		c.Upstream.RedirectURL = c.Issuer + "/callback"
	}
}

// flowConfig assembles the flow engine configuration.
func (c *Config) flowConfig() flow.Config {
	return flow.Config{
		AuthStateTTL: c.AuthStateTTL,
		AuthCodeTTL:  c.AuthCodeTTL,
		AllowList: flow.AllowList{
			Users:   c.AllowedUsers,
			Domains: c.AllowedDomains,
		},
	}
}
