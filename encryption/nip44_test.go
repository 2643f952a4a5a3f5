package encryption

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeyPair(t *testing.T) (*btcec.PrivateKey, *btcec.PublicKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub, err := ParsePublicKey(PublicKeyHex(priv))
	require.NoError(t, err)
	return priv, pub
}

func scalar(t *testing.T, s string) *btcec.PrivateKey {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	priv, err := ParsePrivateKey(b)
	require.NoError(t, err)
	return priv
}

func TestConversationKeyVector(t *testing.T) {
	one := scalar(t, "0000000000000000000000000000000000000000000000000000000000000001")
	two := scalar(t, "0000000000000000000000000000000000000000000000000000000000000002")
	twoPub, err := ParsePublicKey(PublicKeyHex(two))
	require.NoError(t, err)

	key := ConversationKey(one, twoPub)
	assert.Equal(t, "c41c775356fd92eadc63ff5a0dc1da211b268cbea22316767095b2871ea1412d", hex.EncodeToString(key[:]))

	var nonce [32]byte
	nonce[31] = 1
	payload, err := EncryptWithNonce("a", key, nonce)
	require.NoError(t, err)
	assert.Equal(t, "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABee0G5VSK0/9YypIObAtDKfYEAjD35uVkHyB0F4DwrcNaCXlCWZKaArsGrY6M9wnuTMxWfp1RTN9Xga8no+kF5Vsb", payload)
}

func TestConversationKeySymmetric(t *testing.T) {
	a, aPub := mustKeyPair(t)
	b, bPub := mustKeyPair(t)

	assert.Equal(t, ConversationKey(a, bPub), ConversationKey(b, aPub))
}

func TestEncryptDecrypt(t *testing.T) {
	a, _ := mustKeyPair(t)
	_, bPub := mustKeyPair(t)
	key := ConversationKey(a, bPub)

	for _, plaintext := range []string{"a", "hello world", strings.Repeat("x", 32), strings.Repeat("y", 33), strings.Repeat("z", 65535), "ünïcödé 🔑"} {
		payload, err := Encrypt(plaintext, key)
		require.NoError(t, err)

		decrypted, err := Decrypt(payload, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptRejectsPlaintextSize(t *testing.T) {
	var key [32]byte
	_, err := Encrypt("", key)
	assert.ErrorIs(t, err, ErrInvalidPlaintext)

	_, err = Encrypt(strings.Repeat("a", 65536), key)
	assert.ErrorIs(t, err, ErrInvalidPlaintext)
}

func TestDecryptDetectsTampering(t *testing.T) {
	a, _ := mustKeyPair(t)
	_, bPub := mustKeyPair(t)
	key := ConversationKey(a, bPub)

	payload, err := Encrypt("attack at dawn", key)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)

	// every byte after the version byte is covered by the MAC
	for _, i := range []int{1, 20, 33, 40, len(raw) - 33, len(raw) - 1} {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		_, err := Decrypt(base64.StdEncoding.EncodeToString(tampered), key)
		assert.ErrorIs(t, err, ErrInvalidMAC, "byte %d", i)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, _ := mustKeyPair(t)
	_, bPub := mustKeyPair(t)
	_, cPub := mustKeyPair(t)

	payload, err := Encrypt("secret", ConversationKey(a, bPub))
	require.NoError(t, err)

	_, err = Decrypt(payload, ConversationKey(a, cPub))
	assert.ErrorIs(t, err, ErrInvalidMAC)
}

func TestDecryptRejectsMalformed(t *testing.T) {
	var key [32]byte

	_, err := Decrypt("#future-version", key)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decrypt("", key)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decrypt(strings.Repeat("A", 131), key)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Decrypt(strings.Repeat("A", 87473), key)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Decrypt(strings.Repeat("*", 200), key)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	raw := make([]byte, 99)
	raw[0] = 1
	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), key)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCalcPaddedLen(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{1, 32},
		{16, 32},
		{32, 32},
		{33, 64},
		{37, 64},
		{45, 64},
		{49, 64},
		{64, 64},
		{65, 96},
		{100, 128},
		{111, 128},
		{200, 224},
		{250, 256},
		{256, 256},
		{257, 320},
		{320, 320},
		{383, 384},
		{384, 384},
		{400, 448},
		{500, 512},
		{512, 512},
		{515, 640},
		{700, 768},
		{800, 896},
		{900, 1024},
		{1020, 1024},
		{65535, 65536},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CalcPaddedLen(tt.n), "CalcPaddedLen(%d)", tt.n)
	}
}

func TestPaddingRoundTrip(t *testing.T) {
	padded, err := pad("abc")
	require.NoError(t, err)
	assert.Len(t, padded, 34)

	plain, err := unpad(padded)
	require.NoError(t, err)
	assert.Equal(t, "abc", plain)

	padded[1] = 0
	_, err = unpad(padded)
	assert.ErrorIs(t, err, ErrInvalidPadding)
}

func TestKeyCache(t *testing.T) {
	a, _ := mustKeyPair(t)
	_, bPub := mustKeyPair(t)

	cache := NewKeyCache(time.Minute)
	key := cache.ConversationKey(a, bPub)
	assert.Equal(t, ConversationKey(a, bPub), key)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, key, cache.ConversationKey(a, bPub))
	assert.Equal(t, 1, cache.Len())

	cache.Forget(PublicKeyHex(a))
	assert.Equal(t, 0, cache.Len())
}
