// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

// timedEntry wraps a value with its creation time for TTL tracking.
// A zero expiresAt means the entry does not expire.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements the Store interface with in-memory maps.
// This implementation is thread-safe and suitable for development and
// testing. Atomicity of TakeAuthState/TakeAuthCode comes from holding the
// write lock across the lookup and delete.
type MemoryStore struct {
	mu sync.RWMutex

	// clients maps client_id -> Client.
	clients map[string]*timedEntry[*Client]

	// authStates maps internal state -> AuthState for in-flight
	// authorizations awaiting the upstream IdP callback.
	authStates map[string]*timedEntry[*AuthState]

	// authCodes maps code -> AuthCode. Codes are one-time-use; TakeAuthCode
	// removes the entry under the write lock so exactly one redeemer wins.
	authCodes map[string]*timedEntry[*AuthCode]

	// accessTokens maps jti -> AccessTokenRecord, the revocable mirror of
	// issued JWTs.
	accessTokens map[string]*timedEntry[*AccessTokenRecord]

	// refreshTokens maps token value -> RefreshTokenRecord.
	refreshTokens map[string]*timedEntry[*RefreshTokenRecord]

	// userTokens maps subject -> set of live jti values.
	userTokens map[string]map[string]struct{}

	// clientTokens maps client_id -> set of live jti values, maintained for
	// the client deletion cascade.
	clientTokens map[string]map[string]struct{}

	// clientRefresh maps client_id -> set of live refresh token values.
	clientRefresh map[string]map[string]struct{}

	// cleanupInterval is how often the background cleanup runs.
	cleanupInterval time.Duration

	// stopCleanup signals the cleanup goroutine to stop.
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped.
	cleanupDone chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore with initialized maps and starts the
// background cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clients:         make(map[string]*timedEntry[*Client]),
		authStates:      make(map[string]*timedEntry[*AuthState]),
		authCodes:       make(map[string]*timedEntry[*AuthCode]),
		accessTokens:    make(map[string]*timedEntry[*AccessTokenRecord]),
		refreshTokens:   make(map[string]*timedEntry[*RefreshTokenRecord]),
		userTokens:      make(map[string]map[string]struct{}),
		clientTokens:    make(map[string]map[string]struct{}),
		clientRefresh:   make(map[string]map[string]struct{}),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Ping is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired entries and keeps the token indexes
// consistent with the surviving records.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.clients {
		if v.expired(now) {
			delete(s.clients, k)
		}
	}
	for k, v := range s.authStates {
		if v.expired(now) {
			delete(s.authStates, k)
		}
	}
	for k, v := range s.authCodes {
		if v.expired(now) {
			delete(s.authCodes, k)
		}
	}
	for jti, v := range s.accessTokens {
		if v.expired(now) {
			s.dropAccessTokenLocked(jti, v.value)
		}
	}
	for token, v := range s.refreshTokens {
		if v.expired(now) {
			s.dropRefreshTokenLocked(token, v.value)
		}
	}
}

// -----------------------
// Clients
// -----------------------

// PutClient stores a client record. A zero TTL means the record never
// expires. A defensive copy is made to prevent aliasing issues.
func (s *MemoryStore) PutClient(_ context.Context, client *Client, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	s.clients[client.ID] = &timedEntry[*Client]{
		value:     copyClient(client),
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.clients[clientID]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return copyClient(entry.value), nil
}

// DeleteClient removes a client record. Absent clients are not an error.
func (s *MemoryStore) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, clientID)
	return nil
}

// -----------------------
// Authorization state
// -----------------------

// PutAuthState stores an in-flight authorization keyed by internal state.
func (s *MemoryStore) PutAuthState(_ context.Context, state *AuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.authStates[state.InternalState] = &timedEntry[*AuthState]{
		value:     copyAuthState(state),
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// TakeAuthState atomically fetches and deletes the authorization state.
// The write lock spans lookup and delete so a replayed callback cannot
// observe the record a second time.
func (s *MemoryStore) TakeAuthState(_ context.Context, internalState string) (*AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authStates[internalState]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.authStates, internalState)

	if entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return copyAuthState(entry.value), nil
}

// -----------------------
// Authorization codes
// -----------------------

// PutAuthCode stores a one-time authorization code.
func (s *MemoryStore) PutAuthCode(_ context.Context, code *AuthCode, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.authCodes[code.Code] = &timedEntry[*AuthCode]{
		value:     copyAuthCode(code),
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	return nil
}

// TakeAuthCode atomically fetches and deletes the authorization code.
// Exactly one concurrent redeemer receives the record.
func (s *MemoryStore) TakeAuthCode(_ context.Context, code string) (*AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.authCodes, code)

	if entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return copyAuthCode(entry.value), nil
}

// -----------------------
// Access tokens
// -----------------------

// PutAccessToken stores the jti mirror record and indexes the jti under the
// subject and the client.
func (s *MemoryStore) PutAccessToken(_ context.Context, rec *AccessTokenRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	recCopy := *rec
	s.accessTokens[rec.JTI] = &timedEntry[*AccessTokenRecord]{
		value:     &recCopy,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	addToIndex(s.userTokens, rec.Subject, rec.JTI)
	addToIndex(s.clientTokens, rec.ClientID, rec.JTI)
	return nil
}

// GetAccessToken retrieves the mirror record by jti.
func (s *MemoryStore) GetAccessToken(_ context.Context, jti string) (*AccessTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.accessTokens[jti]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	recCopy := *entry.value
	return &recCopy, nil
}

// DeleteAccessToken removes the mirror record and its index entries.
// Deleting an absent record is not an error (revocation is idempotent).
func (s *MemoryStore) DeleteAccessToken(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.accessTokens[jti]
	if !ok {
		return nil
	}
	s.dropAccessTokenLocked(jti, entry.value)
	return nil
}

// ListUserTokens returns the subject's live jti values.
func (s *MemoryStore) ListUserTokens(_ context.Context, subject string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveTokensLocked(s.userTokens[subject]), nil
}

// ListClientTokens returns the client's live jti values.
func (s *MemoryStore) ListClientTokens(_ context.Context, clientID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveTokensLocked(s.clientTokens[clientID]), nil
}

func (s *MemoryStore) liveTokensLocked(jtis map[string]struct{}) []string {
	now := time.Now()
	var out []string
	for jti := range jtis {
		if entry, ok := s.accessTokens[jti]; ok && !entry.expired(now) {
			out = append(out, jti)
		}
	}
	slices.Sort(out)
	return out
}

// dropAccessTokenLocked removes the record and its index entries. Caller
// must hold the write lock.
func (s *MemoryStore) dropAccessTokenLocked(jti string, rec *AccessTokenRecord) {
	delete(s.accessTokens, jti)
	removeFromIndex(s.userTokens, rec.Subject, jti)
	removeFromIndex(s.clientTokens, rec.ClientID, jti)
}

// -----------------------
// Refresh tokens
// -----------------------

// PutRefreshToken stores a refresh token record and indexes it under the
// client.
func (s *MemoryStore) PutRefreshToken(_ context.Context, rec *RefreshTokenRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	recCopy := *rec
	s.refreshTokens[rec.Token] = &timedEntry[*RefreshTokenRecord]{
		value:     &recCopy,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	addToIndex(s.clientRefresh, rec.ClientID, rec.Token)
	return nil
}

// GetRefreshToken retrieves a refresh token record.
func (s *MemoryStore) GetRefreshToken(_ context.Context, token string) (*RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[token]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	recCopy := *entry.value
	return &recCopy, nil
}

// DeleteRefreshToken removes a refresh token record and its index entry.
func (s *MemoryStore) DeleteRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.refreshTokens[token]
	if !ok {
		return nil
	}
	s.dropRefreshTokenLocked(token, entry.value)
	return nil
}

// ListClientRefreshTokens returns the client's live refresh tokens.
func (s *MemoryStore) ListClientRefreshTokens(_ context.Context, clientID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []string
	for token := range s.clientRefresh[clientID] {
		if entry, ok := s.refreshTokens[token]; ok && !entry.expired(now) {
			out = append(out, token)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) dropRefreshTokenLocked(token string, rec *RefreshTokenRecord) {
	delete(s.refreshTokens, token)
	removeFromIndex(s.clientRefresh, rec.ClientID, token)
}

// -----------------------
// Index helpers
// -----------------------

func addToIndex(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[member] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(index, key)
	}
}

// -----------------------
// Defensive copies
// -----------------------

func copyClient(c *Client) *Client {
	clientCopy := *c
	clientCopy.RedirectURIs = slices.Clone(c.RedirectURIs)
	clientCopy.GrantTypes = slices.Clone(c.GrantTypes)
	clientCopy.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &clientCopy
}

func copyAuthState(a *AuthState) *AuthState {
	stateCopy := *a
	return &stateCopy
}

func copyAuthCode(c *AuthCode) *AuthCode {
	codeCopy := *c
	return &codeCopy
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
