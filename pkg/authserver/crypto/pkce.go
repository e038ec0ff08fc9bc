// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides the cryptographic primitives used by the
// authorization server: PKCE (RFC 7636), opaque token generation, and
// constant-time secret comparison.
package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256
// (RFC 7636). It is the only method this server accepts; "plain" is a
// downgrade and is rejected.
const PKCEChallengeMethodS256 = "S256"

// PKCE verifier length bounds per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1. It delegates to oauth2.GenerateVerifier and
// panics on crypto/rand read failure.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method: BASE64URL(SHA256(code_verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether the presented code_verifier matches the stored
// code_challenge under S256. The comparison is constant-time; a failure
// reveals nothing about which byte diverged.
func VerifyPKCE(challenge, verifier string) bool {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false
	}
	computed := ComputePKCEChallenge(verifier)
	return SecureCompare(computed, challenge)
}

// SecureCompare compares two strings in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
