package auth

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyFormat(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(t, key, len(KeyPrefix)+keyRandomLen)
	assert.Regexp(t, regexp.MustCompile(`^ci_[A-Za-z0-9_-]{40}$`), key)
}

func TestGenerateKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.False(t, seen[key], "generated keys must not repeat")
		seen[key] = true
	}
}

func TestHashKey(t *testing.T) {
	h := HashKey("ci_example")

	assert.Len(t, h, 64, "hex-encoded SHA-256")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), h)
	assert.Equal(t, h, HashKey("ci_example"), "hashing is deterministic")
	assert.NotEqual(t, h, HashKey("ci_other"))
}
