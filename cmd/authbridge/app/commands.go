// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the authbridge command-line application.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authbridge/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "authbridge",
	DisableAutoGenTag: true,
	Short:             "OAuth 2.1 authorization server bridging clients to an upstream identity provider",
	Long: `authbridge is an OAuth 2.1 authorization server that issues its own tokens
while delegating end-user authentication to an upstream OIDC identity provider.

It provides:

- Dynamic client registration and management (RFC 7591/7592)
- The PKCE-enforced authorization code grant with refresh token rotation
- Revocable JWT access tokens with introspection (RFC 7662) and revocation (RFC 7009)
- A forward-auth verification endpoint for reverse proxies
- OAuth and OIDC discovery plus JWKS publication

All flags can also be set via AUTHBRIDGE_* environment variables, with
dashes replaced by underscores (e.g. AUTHBRIDGE_UPSTREAM_ISSUER).`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the authbridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	viper.SetEnvPrefix("AUTHBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newServeCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}
