// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the OAuth 2.1 authorization server: dynamic
// client registration, the PKCE-enforced authorization-code grant with
// login delegated to an upstream OIDC provider, revocable JWT access
// tokens, introspection and revocation, forward-auth verification, and
// discovery.
package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/authbridge/pkg/authserver/flow"
	"github.com/stacklok/authbridge/pkg/authserver/keys"
	"github.com/stacklok/authbridge/pkg/authserver/registration"
	"github.com/stacklok/authbridge/pkg/authserver/server"
	"github.com/stacklok/authbridge/pkg/authserver/storage"
	"github.com/stacklok/authbridge/pkg/authserver/token"
	"github.com/stacklok/authbridge/pkg/authserver/upstream"
	"github.com/stacklok/authbridge/pkg/logger"
)

// Timeouts for the HTTP server.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server is the assembled authorization server.
type Server struct {
	cfg        Config
	store      storage.Store
	tokens     *token.Engine
	handler    http.Handler
	httpServer *http.Server
}

// New validates the configuration and wires the store, key provider,
// upstream provider, and engines into a ready-to-serve Server.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	store, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	keyProvider, err := buildKeyProvider(cfg.Keys)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	provider, err := upstream.NewOIDCProvider(ctx, cfg.Upstream)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to configure upstream provider: %w", err)
	}

	tokenEngine := token.NewEngine(store, keyProvider, token.Config{
		Issuer:                 cfg.Issuer,
		AccessTokenTTL:         cfg.AccessTokenTTL,
		RefreshTokenTTL:        cfg.RefreshTokenTTL,
		DisableRefreshRotation: cfg.DisableRefreshRotation,
	})
	registry := registration.NewRegistry(store, tokenEngine, cfg.ClientTTL)
	flowEngine := flow.NewEngine(store, provider, cfg.flowConfig())

	handler := server.NewHandler(cfg.Issuer, registry, flowEngine, tokenEngine, keyProvider, store).Routes()

	return &Server{
		cfg:     cfg,
		store:   store,
		tokens:  tokenEngine,
		handler: handler,
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}, nil
}

// Handler returns the HTTP handler serving all endpoints, for embedding
// the server under an existing router or test harness.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RevokeUserTokens revokes every live access token issued to the subject
// and returns the number revoked. Embedders use it for "sign out
// everywhere" administration; no HTTP endpoint exposes it.
func (s *Server) RevokeUserTokens(ctx context.Context, subject string) (int, error) {
	return s.tokens.RevokeUserTokens(ctx, subject)
}

// ListenAndServe serves HTTP until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("authorization server listening",
			"addr", s.cfg.ListenAddr, "issuer", s.cfg.Issuer)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down authorization server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}

// Close releases the resources held by the server.
func (s *Server) Close() error {
	return s.store.Close()
}

func buildStore(ctx context.Context, cfg StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case StorageBackendRedis:
		store := storage.NewRedisStore(cfg.Redis)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis is unreachable: %w", err)
		}
		logger.Infow("using redis storage", "addr", cfg.Redis.Addr)
		return store, nil
	default:
		logger.Info("using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
}

func buildKeyProvider(cfg KeyConfig) (keys.Provider, error) {
	switch {
	case cfg.HMACSecretFile != "":
		secret, err := keys.LoadHMACSecret(cfg.HMACSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load HMAC secret: %w", err)
		}
		return keys.NewHMACProvider(secret)
	case cfg.SigningKeyFile != "":
		return keys.NewFileProvider(keys.FileConfig{
			SigningKeyFile:   cfg.SigningKeyFile,
			FallbackKeyFiles: cfg.FallbackKeyFiles,
			Algorithm:        cfg.Algorithm,
		})
	default:
		return keys.NewGeneratingProvider(cfg.Algorithm), nil
	}
}
