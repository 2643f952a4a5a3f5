package encryption

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ParsePrivateKey decodes a 32-byte secp256k1 scalar
func ParsePrivateKey(b []byte) (*btcec.PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes, got %d", ErrInvalidKey, len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: private key is zero", ErrInvalidKey)
	}
	return priv, nil
}

// ParsePublicKey decodes a hex x-only public key
func ParsePublicKey(pubkey string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(pubkey)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: public key must be 32 hex-encoded bytes", ErrInvalidKey)
	}
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// PublicKeyHex returns the hex x-only public key of priv
func PublicKeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

// SharedX returns the x coordinate of the ECDH point of priv and pub
func SharedX(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	return btcec.GenerateSharedSecret(priv, pub)
}

// Wipe zeroes b
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
