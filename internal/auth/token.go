// Package auth implements the bearer-credential contract: API key
// generation and hashing, and the Authenticator that resolves a presented
// token to its owning user.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// KeyPrefix is the fixed prefix of every generated API key.
const KeyPrefix = "ci_"

// keyRandomLen is the number of random characters after the prefix.
const keyRandomLen = 40

// GenerateKey produces a new API key of the form "ci_<40 url-safe chars>"
// backed by 240 bits of entropy. The plaintext is returned exactly once —
// storage keeps only the hash.
func GenerateKey() (string, error) {
	// 30 random bytes = 240 bits; url-safe base64 yields 40 characters.
	raw := make([]byte, 30)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return KeyPrefix + encoded[:keyRandomLen], nil
}

// HashKey derives the storage form of an API key: hex-encoded SHA-256 of the
// plaintext. The plaintext itself is never persisted.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
