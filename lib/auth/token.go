// Package auth implements the controller's layered credential model: a
// long-lived admin key, per-build owner tokens, and short-lived rotating
// worker access tokens. All secret comparisons are constant-time.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// TokenBytes is the length, in raw bytes, of a build-owner token or a
// worker access token before base64 encoding.
const TokenBytes = 32

// MinAdminKeyLength is the minimum accepted length of the admin pre-shared key.
const MinAdminKeyLength = 32

// NewToken generates a URL-safe-base64, collision-resistant secret of
// TokenBytes bytes of entropy. Used for build access tokens and worker
// access tokens; never for ids (those use cuid2).
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Equal reports whether two secrets are equal, in constant time with
// respect to the secret's contents. Unequal lengths are rejected
// immediately: the length of a token is not itself sensitive (it's fixed
// by TokenBytes), so this does not leak secret material.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
