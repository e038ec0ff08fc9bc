// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"
)

// DefaultSecretLength is the byte length of generated client secrets and
// registration access tokens. RFC 7591 deployments commonly use 32 bytes;
// we stay above that floor.
const DefaultSecretLength = 48

// OpaqueTokenLength is the byte length of authorization codes and refresh
// tokens before base64url encoding.
const OpaqueTokenLength = 32

// NewSecret returns a base64url-encoded random secret of n bytes.
// It panics on crypto/rand read failure, which is unrecoverable.
func NewSecret(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// NewOpaqueToken returns a high-entropy opaque token suitable for
// authorization codes and refresh tokens.
func NewOpaqueToken() string {
	return NewSecret(OpaqueTokenLength)
}
