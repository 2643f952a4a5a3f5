package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/keybunker/keybunker/encryption"
	"github.com/keybunker/keybunker/signer/status"
)

// DecodePrivateKey accepts an nsec or a hex private key
func DecodePrivateKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, value, err := nip19.Decode(s)
		hexKey, ok := value.(string)
		if err != nil || prefix != "nsec" || !ok {
			return nil, status.Errorf(status.InvalidArgument, "invalid nsec")
		}
		s = hexKey
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, status.Errorf(status.InvalidArgument, "private key must be 32 hex-encoded bytes or an nsec")
	}
	return b, nil
}

// DecodePublicKey accepts an npub or a hex public key and returns the hex form
func DecodePublicKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		hexKey, ok := value.(string)
		if err != nil || prefix != "npub" || !ok {
			return "", status.Errorf(status.InvalidArgument, "invalid npub")
		}
		s = hexKey
	}
	if _, err := encryption.ParsePublicKey(s); err != nil {
		return "", status.Errorf(status.InvalidArgument, "invalid public key: %v", err)
	}
	return strings.ToLower(s), nil
}

// Npub encodes a hex public key for display
func Npub(pubkey string) string {
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return pubkey
	}
	return npub
}

// Nsec encodes a private key for export
func Nsec(priv []byte) (string, error) {
	nsec, err := nip19.EncodePrivateKey(hex.EncodeToString(priv))
	if err != nil {
		return "", fmt.Errorf("encode nsec: %w", err)
	}
	return nsec, nil
}
