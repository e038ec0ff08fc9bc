// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	v1 := GeneratePKCEVerifier()
	v2 := GeneratePKCEVerifier()

	assert.Len(t, v1, 43)
	assert.NotEqual(t, v1, v2, "verifiers must be unique")
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()
	challenge := ComputePKCEChallenge(verifier)

	assert.True(t, VerifyPKCE(challenge, verifier))
	assert.False(t, VerifyPKCE(challenge, GeneratePKCEVerifier()), "wrong verifier must fail")
	assert.False(t, VerifyPKCE(challenge, ""), "empty verifier must fail")
	assert.False(t, VerifyPKCE(challenge, "short"), "undersized verifier must fail")
	assert.False(t, VerifyPKCE(challenge, strings.Repeat("a", 129)), "oversized verifier must fail")
}

func TestNewSecret(t *testing.T) {
	t.Parallel()

	s := NewSecret(DefaultSecretLength)
	require.NotEmpty(t, s)
	// base64url without padding: 48 bytes -> 64 chars
	assert.Len(t, s, 64)
	assert.NotEqual(t, s, NewSecret(DefaultSecretLength))
}

func TestSecureCompare(t *testing.T) {
	t.Parallel()

	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
}
