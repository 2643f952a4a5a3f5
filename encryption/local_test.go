package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapLocal(t *testing.T) {
	priv := randomKey(t)
	key := randomKey(t)

	ct, iv, err := WrapLocal(priv, key)
	require.NoError(t, err)
	assert.Len(t, iv, 16)
	assert.Len(t, ct, 48)

	ct2, iv2, err := WrapLocal(priv, key)
	require.NoError(t, err)
	assert.NotEqual(t, iv, iv2)
	assert.NotEqual(t, ct, ct2)

	unwrapped, err := UnwrapLocal(ct, iv, key)
	require.NoError(t, err)
	assert.Equal(t, priv, unwrapped)
}

func TestWrapLocalRejectsBadKey(t *testing.T) {
	_, _, err := WrapLocal(randomKey(t), make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = UnwrapLocal(make([]byte, 48), make([]byte, 16), make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = UnwrapLocal(make([]byte, 47), make([]byte, 16), randomKey(t))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
