// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authbridge/pkg/authserver"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/authserver/upstream"
	"github.com/stacklok/authbridge/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server and serve all OAuth endpoints.

The upstream identity provider (--upstream-issuer, --upstream-client-id)
is required; everything else has workable defaults for local development,
including in-memory storage and an ephemeral signing key.`,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.String("issuer", "", "Issuer URL of this authorization server (required)")
	flags.String("listen-addr", authserver.DefaultListenAddr, "HTTP listen address")

	flags.String("signing-key-file", "", "PEM file with the JWT signing key")
	flags.StringSlice("fallback-key-files", nil, "Additional PEM keys published via JWKS during rotation")
	flags.String("key-algorithm", "", "Signing algorithm override (e.g. ES256, RS256)")
	flags.String("hmac-secret-file", "", "File with a shared HS256 secret instead of an asymmetric key")

	flags.String("storage-backend", authserver.StorageBackendMemory, "State store backend: memory or redis")
	flags.String("redis-addr", "", "Redis address (host:port)")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database number")

	flags.String("upstream-issuer", "", "Upstream OIDC provider issuer URL (required)")
	flags.String("upstream-client-id", "", "Client ID registered at the upstream provider (required)")
	flags.String("upstream-client-secret", "", "Client secret registered at the upstream provider")
	flags.String("upstream-redirect-url", "", "Callback URL registered at the upstream provider (defaults to <issuer>/callback)")
	flags.StringSlice("upstream-scopes", []string{"profile", "email"}, "Scopes requested from the upstream provider")

	flags.StringSlice("allowed-users", nil, "Subjects or emails permitted to log in (empty allows everyone)")
	flags.StringSlice("allowed-domains", nil, "Email domains permitted to log in")

	flags.Duration("access-token-ttl", storage.DefaultAccessTokenTTL, "Access token lifetime")
	flags.Duration("refresh-token-ttl", storage.DefaultRefreshTokenTTL, "Refresh token lifetime")
	flags.Duration("auth-code-ttl", storage.DefaultAuthCodeTTL, "Authorization code lifetime")
	flags.Duration("auth-state-ttl", storage.DefaultAuthStateTTL, "Time allowed to complete upstream login")
	flags.Duration("client-ttl", 0, "Registered client lifetime (0 means clients never expire)")
	flags.Bool("disable-refresh-rotation", false, "Keep refresh tokens stable instead of rotating on use")

	if err := viper.BindPFlags(flags); err != nil {
		logger.Errorf("Error binding serve flags: %v", err)
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg := authserver.Config{
		Issuer:     viper.GetString("issuer"),
		ListenAddr: viper.GetString("listen-addr"),
		Keys: authserver.KeyConfig{
			SigningKeyFile:   viper.GetString("signing-key-file"),
			FallbackKeyFiles: viper.GetStringSlice("fallback-key-files"),
			Algorithm:        viper.GetString("key-algorithm"),
			HMACSecretFile:   viper.GetString("hmac-secret-file"),
		},
		Storage: authserver.StorageConfig{
			Backend: viper.GetString("storage-backend"),
			Redis: storage.RedisConfig{
				Addr:     viper.GetString("redis-addr"),
				Password: viper.GetString("redis-password"),
				DB:       viper.GetInt("redis-db"),
			},
		},
		Upstream: upstream.OIDCConfig{
			IssuerURL:    viper.GetString("upstream-issuer"),
			ClientID:     viper.GetString("upstream-client-id"),
			ClientSecret: viper.GetString("upstream-client-secret"),
			RedirectURL:  viper.GetString("upstream-redirect-url"),
			Scopes:       viper.GetStringSlice("upstream-scopes"),
		},
		AllowedUsers:           viper.GetStringSlice("allowed-users"),
		AllowedDomains:         viper.GetStringSlice("allowed-domains"),
		AccessTokenTTL:         viper.GetDuration("access-token-ttl"),
		RefreshTokenTTL:        viper.GetDuration("refresh-token-ttl"),
		AuthCodeTTL:            viper.GetDuration("auth-code-ttl"),
		AuthStateTTL:           viper.GetDuration("auth-state-ttl"),
		ClientTTL:              viper.GetDuration("client-ttl"),
		DisableRefreshRotation: viper.GetBool("disable-refresh-rotation"),
	}

	srv, err := authserver.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Errorw("failed to close server", "error", err)
		}
	}()

	return srv.ListenAndServe(ctx)
}
