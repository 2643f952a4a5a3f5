package encryption

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	version byte = 2

	minPlaintextSize = 1
	maxPlaintextSize = 65535

	minPayloadSize = 132
	maxPayloadSize = 87472
	minDecodedSize = 99
	maxDecodedSize = 65603
)

var conversationSalt = []byte("nip44-v2")

// ConversationKey derives the symmetric key shared by priv and pub. It is symmetric in the two parties.
func ConversationKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) [32]byte {
	shared := SharedX(priv, pub)
	defer Wipe(shared)

	var key [32]byte
	copy(key[:], hkdf.Extract(sha256.New, shared, conversationSalt))
	return key
}

// Encrypt encrypts plaintext under the conversation key with a random nonce
func Encrypt(plaintext string, key [32]byte) (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return EncryptWithNonce(plaintext, key, nonce)
}

// EncryptWithNonce encrypts plaintext with the given nonce. The nonce must never be reused.
func EncryptWithNonce(plaintext string, key, nonce [32]byte) (string, error) {
	cipherKey, cipherNonce, macKey, err := messageKeys(key, nonce)
	if err != nil {
		return "", err
	}
	defer Wipe(cipherKey)
	defer Wipe(macKey)

	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(cipherKey, cipherNonce)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	stream.XORKeyStream(padded, padded)

	mac := macWithNonce(macKey, nonce[:], padded)

	out := make([]byte, 0, 1+len(nonce)+len(padded)+len(mac))
	out = append(out, version)
	out = append(out, nonce[:]...)
	out = append(out, padded...)
	out = append(out, mac...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt authenticates and decrypts a payload produced by Encrypt
func Decrypt(payload string, key [32]byte) (string, error) {
	if len(payload) == 0 || payload[0] == '#' {
		return "", ErrUnsupportedVersion
	}
	if len(payload) < minPayloadSize || len(payload) > maxPayloadSize {
		return "", fmt.Errorf("%w: payload length %d", ErrInvalidPayload, len(payload))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(data) < minDecodedSize || len(data) > maxDecodedSize {
		return "", fmt.Errorf("%w: decoded length %d", ErrInvalidPayload, len(data))
	}
	if data[0] != version {
		return "", fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	var nonce [32]byte
	copy(nonce[:], data[1:33])
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	cipherKey, cipherNonce, macKey, err := messageKeys(key, nonce)
	if err != nil {
		return "", err
	}
	defer Wipe(cipherKey)
	defer Wipe(macKey)

	if !hmac.Equal(macWithNonce(macKey, nonce[:], ciphertext), mac) {
		return "", ErrInvalidMAC
	}

	padded := make([]byte, len(ciphertext))
	stream, err := chacha20.NewUnauthenticatedCipher(cipherKey, cipherNonce)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	stream.XORKeyStream(padded, ciphertext)

	return unpad(padded)
}

// CalcPaddedLen returns the padded size for a plaintext of n bytes
func CalcPaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func messageKeys(key, nonce [32]byte) (cipherKey, cipherNonce, macKey []byte, err error) {
	keys := make([]byte, 76)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, key[:], nonce[:]), keys); err != nil {
		return nil, nil, nil, fmt.Errorf("derive message keys: %w", err)
	}
	return keys[:32], keys[32:44], keys[44:76], nil
}

func macWithNonce(key, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func pad(plaintext string) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPlaintext, n)
	}
	out := make([]byte, 2+CalcPaddedLen(n))
	binary.BigEndian.PutUint16(out, uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) (string, error) {
	if len(padded) < 2 {
		return "", ErrInvalidPadding
	}
	n := int(binary.BigEndian.Uint16(padded))
	if n < minPlaintextSize || 2+n > len(padded) || len(padded) != 2+CalcPaddedLen(n) {
		return "", ErrInvalidPadding
	}
	return string(padded[2 : 2+n]), nil
}
