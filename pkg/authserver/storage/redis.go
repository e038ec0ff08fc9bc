// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authbridge/pkg/logger"
)

// Key patterns. These form the store's external contract; operators can
// inspect and reap records with standard Redis tooling.
const (
	clientKeyPrefix        = "client:"
	authStateKeyPrefix     = "state:"
	authCodeKeyPrefix      = "code:"
	accessTokenKeyPrefix   = "token:"
	refreshTokenKeyPrefix  = "refresh:"
	userTokensKeyPrefix    = "user_tokens:"
	clientTokensKeyPrefix  = "client_tokens:"
	clientRefreshKeyPrefix = "client_refresh:"
)

func clientKey(clientID string) string        { return clientKeyPrefix + clientID }
func authStateKey(state string) string        { return authStateKeyPrefix + state }
func authCodeKey(code string) string          { return authCodeKeyPrefix + code }
func accessTokenKey(jti string) string        { return accessTokenKeyPrefix + jti }
func refreshTokenKey(token string) string     { return refreshTokenKeyPrefix + token }
func userTokensKey(subject string) string     { return userTokensKeyPrefix + subject }
func clientTokensKey(clientID string) string  { return clientTokensKeyPrefix + clientID }
func clientRefreshKey(clientID string) string { return clientRefreshKeyPrefix + clientID }

// RedisStore implements the Store interface backed by Redis.
//
// The two security-sensitive operations map onto native Redis primitives:
// SET with EX for atomic set-with-TTL, and GETDEL for atomic
// fetch-and-delete, so the single-use guarantees hold across multiple
// server replicas sharing one Redis.
//
// Transient connectivity failures are retried with exponential backoff up
// to a bounded attempt budget; missing records and context cancellation
// are never retried.
type RedisStore struct {
	client      *redis.Client
	maxAttempts uint
}

// NewRedisStore creates a Redis-backed store from the given configuration.
// The connection is verified lazily; call Ping to check reachability.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	maxAttempts := cfg.RetryMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultRetryMaxAttempts
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// Retries are handled by our own bounded backoff wrapper.
		MaxRetries: -1,
	})

	return &RedisStore{
		client:      client,
		maxAttempts: maxAttempts,
	}
}

// NewRedisStoreWithClient wraps an existing Redis client. Used by tests to
// point the store at a miniredis instance.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:      client,
		maxAttempts: DefaultRetryMaxAttempts,
	}
}

// Ping verifies the Redis server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.retry(ctx, func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// retry runs op with bounded exponential backoff. ErrNotFound and context
// cancellation abort immediately; everything else is treated as transient
// connectivity failure until the attempt budget runs out.
func (s *RedisStore) retry(ctx context.Context, op func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if isPermanentErr(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Debugw("redis round trip failed, retrying", "attempt", attempt, "error", err)
		return struct{}{}, err
	},
		backoff.WithBackOff(newRetryBackOff()),
		backoff.WithMaxTries(s.maxAttempts),
	)
	return err
}

func newRetryBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = DefaultRetryInitialInterval
	bo.MaxInterval = DefaultRetryMaxInterval
	return bo
}

func isPermanentErr(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// setJSON marshals v and stores it under key with the given TTL in a single
// SET command. A zero TTL stores the key without expiry.
func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.retry(ctx, func() error {
		return s.client.Set(ctx, key, data, ttl).Err()
	})
}

// getJSON fetches key and unmarshals it into v. Returns ErrNotFound if the
// key is absent or expired.
func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	var data []byte
	err := s.retry(ctx, func() error {
		var err error
		data, err = s.client.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// takeJSON atomically fetches and deletes key via GETDEL, then unmarshals
// into v. Under concurrent callers exactly one observes the value.
func (s *RedisStore) takeJSON(ctx context.Context, key string, v any) error {
	var data []byte
	err := s.retry(ctx, func() error {
		var err error
		data, err = s.client.GetDel(ctx, key).Bytes()
		return err
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// -----------------------
// Clients
// -----------------------

// PutClient stores a client record. A zero TTL means no expiry.
func (s *RedisStore) PutClient(ctx context.Context, client *Client, ttl time.Duration) error {
	return s.setJSON(ctx, clientKey(client.ID), client, ttl)
}

// GetClient retrieves a client by ID.
func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	if err := s.getJSON(ctx, clientKey(clientID), &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// DeleteClient removes a client record. Absent clients are not an error.
func (s *RedisStore) DeleteClient(ctx context.Context, clientID string) error {
	return s.retry(ctx, func() error {
		return s.client.Del(ctx, clientKey(clientID)).Err()
	})
}

// -----------------------
// Authorization state
// -----------------------

// PutAuthState stores an in-flight authorization keyed by internal state.
func (s *RedisStore) PutAuthState(ctx context.Context, state *AuthState, ttl time.Duration) error {
	return s.setJSON(ctx, authStateKey(state.InternalState), state, ttl)
}

// TakeAuthState atomically fetches and deletes the authorization state via
// GETDEL, so a replayed upstream callback cannot observe it twice.
func (s *RedisStore) TakeAuthState(ctx context.Context, internalState string) (*AuthState, error) {
	var state AuthState
	if err := s.takeJSON(ctx, authStateKey(internalState), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// -----------------------
// Authorization codes
// -----------------------

// PutAuthCode stores a one-time authorization code.
func (s *RedisStore) PutAuthCode(ctx context.Context, code *AuthCode, ttl time.Duration) error {
	return s.setJSON(ctx, authCodeKey(code.Code), code, ttl)
}

// TakeAuthCode atomically fetches and deletes the authorization code via
// GETDEL. Under concurrent redemption exactly one caller wins.
func (s *RedisStore) TakeAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	var rec AuthCode
	if err := s.takeJSON(ctx, authCodeKey(code), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// -----------------------
// Access tokens
// -----------------------

// PutAccessToken stores the jti mirror record with its TTL and adds the jti
// to the subject's and client's index sets in one pipeline. The index sets
// carry no TTL; stale members are pruned on listing.
func (s *RedisStore) PutAccessToken(ctx context.Context, rec *AccessTokenRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal access token record: %w", err)
	}

	return s.retry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, accessTokenKey(rec.JTI), data, ttl)
		pipe.SAdd(ctx, userTokensKey(rec.Subject), rec.JTI)
		pipe.SAdd(ctx, clientTokensKey(rec.ClientID), rec.JTI)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetAccessToken retrieves the mirror record by jti.
func (s *RedisStore) GetAccessToken(ctx context.Context, jti string) (*AccessTokenRecord, error) {
	var rec AccessTokenRecord
	if err := s.getJSON(ctx, accessTokenKey(jti), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteAccessToken removes the mirror record and its index entries.
// Deleting an absent record is not an error. The index removals re-run
// safely if a previous attempt failed partway.
func (s *RedisStore) DeleteAccessToken(ctx context.Context, jti string) error {
	rec, err := s.GetAccessToken(ctx, jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	return s.retry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, accessTokenKey(jti))
		pipe.SRem(ctx, userTokensKey(rec.Subject), jti)
		pipe.SRem(ctx, clientTokensKey(rec.ClientID), jti)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListUserTokens returns the subject's live jti values, pruning index
// members whose token records have expired out from under the set.
func (s *RedisStore) ListUserTokens(ctx context.Context, subject string) ([]string, error) {
	return s.listLiveMembers(ctx, userTokensKey(subject), accessTokenKey)
}

// ListClientTokens returns the client's live jti values.
func (s *RedisStore) ListClientTokens(ctx context.Context, clientID string) ([]string, error) {
	return s.listLiveMembers(ctx, clientTokensKey(clientID), accessTokenKey)
}

// listLiveMembers returns the set members whose backing records still
// exist, removing stale members as a side effect. Records expire via their
// own key TTL while set members linger; this keeps listings truthful.
func (s *RedisStore) listLiveMembers(
	ctx context.Context, setKey string, recordKey func(string) string,
) ([]string, error) {
	var members []string
	err := s.retry(ctx, func() error {
		var err error
		members, err = s.client.SMembers(ctx, setKey).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	var exists []*redis.IntCmd
	err = s.retry(ctx, func() error {
		pipe := s.client.Pipeline()
		exists = make([]*redis.IntCmd, len(members))
		for i, m := range members {
			exists[i] = pipe.Exists(ctx, recordKey(m))
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var live []string
	var stale []any
	for i, m := range members {
		if exists[i].Val() > 0 {
			live = append(live, m)
		} else {
			stale = append(stale, m)
		}
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, setKey, stale...).Err(); err != nil {
			// Pruning is best-effort; the next listing retries it.
			logger.Debugw("failed to prune stale index members", "set", setKey, "error", err)
		}
	}

	return live, nil
}

// -----------------------
// Refresh tokens
// -----------------------

// PutRefreshToken stores a refresh token record and adds it to the client's
// refresh-token index in one pipeline.
func (s *RedisStore) PutRefreshToken(ctx context.Context, rec *RefreshTokenRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token record: %w", err)
	}

	return s.retry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, refreshTokenKey(rec.Token), data, ttl)
		pipe.SAdd(ctx, clientRefreshKey(rec.ClientID), rec.Token)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetRefreshToken retrieves a refresh token record.
func (s *RedisStore) GetRefreshToken(ctx context.Context, token string) (*RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	if err := s.getJSON(ctx, refreshTokenKey(token), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteRefreshToken removes a refresh token record and its index entry.
// Deleting an absent record is not an error.
func (s *RedisStore) DeleteRefreshToken(ctx context.Context, token string) error {
	rec, err := s.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	return s.retry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, refreshTokenKey(token))
		pipe.SRem(ctx, clientRefreshKey(rec.ClientID), token)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListClientRefreshTokens returns the client's live refresh tokens.
func (s *RedisStore) ListClientRefreshTokens(ctx context.Context, clientID string) ([]string, error) {
	return s.listLiveMembers(ctx, clientRefreshKey(clientID), refreshTokenKey)
}

// Compile-time interface compliance check
var _ Store = (*RedisStore)(nil)
