package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyRoundTrip(t *testing.T) {
	a, aPub := mustKeyPair(t)
	b, bPub := mustKeyPair(t)

	content, err := EncryptLegacy("hello legacy", SharedX(a, bPub))
	require.NoError(t, err)
	assert.True(t, IsLegacyPayload(content))

	plain, err := DecryptLegacy(content, SharedX(b, aPub))
	require.NoError(t, err)
	assert.Equal(t, "hello legacy", plain)
}

func TestLegacyWrongKey(t *testing.T) {
	a, _ := mustKeyPair(t)
	_, bPub := mustKeyPair(t)
	_, cPub := mustKeyPair(t)

	content, err := EncryptLegacy("hello legacy", SharedX(a, bPub))
	require.NoError(t, err)

	plain, err := DecryptLegacy(content, SharedX(a, cPub))
	if err == nil {
		assert.NotEqual(t, "hello legacy", plain)
	}
}

func TestIsLegacyPayload(t *testing.T) {
	assert.False(t, IsLegacyPayload("AgAAAA=="))
	assert.False(t, IsLegacyPayload("abc?iv=short"))
	assert.True(t, IsLegacyPayload("abc?iv=AAAAAAAAAAAAAAAAAAAAAA=="))
}

func TestDecryptLegacyMalformed(t *testing.T) {
	key := make([]byte, 32)

	_, err := DecryptLegacy("no-separator", key)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecryptLegacy("***?iv=AAAAAAAAAAAAAAAAAAAAAA==", key)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecryptLegacy("AAAA?iv=AAAAAAAAAAAAAAAAAAAAAA==", key)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
