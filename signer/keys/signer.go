package keys

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"

	"github.com/keybunker/keybunker/encryption"
	"github.com/keybunker/keybunker/signer/status"
)

const conversationKeyTTL = 30 * time.Minute

// Signer holds an unlocked private key sealed in a memguard enclave.
// The key is opened only for the duration of a single operation.
type Signer struct {
	mu      sync.RWMutex
	pubkey  string
	enclave *memguard.Enclave
	keys    *encryption.KeyCache
}

// NewSigner seals priv and wipes the caller's copy
func NewSigner(priv []byte) (*Signer, error) {
	k, err := encryption.ParsePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubkey := encryption.PublicKeyHex(k)
	k.Zero()

	return &Signer{
		pubkey:  pubkey,
		enclave: memguard.NewEnclave(priv),
		keys:    encryption.NewKeyCache(conversationKeyTTL),
	}, nil
}

// GenerateKey returns a fresh random private key
func GenerateKey() ([]byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	defer priv.Zero()
	b := priv.Serialize()
	return b, nil
}

// PublicKey returns the hex x-only public key
func (s *Signer) PublicKey() string {
	return s.pubkey
}

// WithPrivateKey runs f with the raw private key bytes. f must not retain the slice.
func (s *Signer) WithPrivateKey(f func(priv []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.enclave == nil {
		return status.NewKeyLockedError(s.pubkey)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("open enclave: %w", err)
	}
	defer buf.Destroy()

	return f(buf.Bytes())
}

func (s *Signer) withKey(f func(priv *btcec.PrivateKey) error) error {
	return s.WithPrivateKey(func(b []byte) error {
		priv, _ := btcec.PrivKeyFromBytes(b)
		defer priv.Zero()
		return f(priv)
	})
}

// SignEvent sets the author and id of ev and signs it
func (s *Signer) SignEvent(ev *nostr.Event) error {
	ev.PubKey = s.pubkey
	ev.ID = ev.GetID()
	id, err := hex.DecodeString(ev.ID)
	if err != nil {
		return fmt.Errorf("decode event id: %w", err)
	}

	return s.withKey(func(priv *btcec.PrivateKey) error {
		sig, err := schnorr.Sign(priv, id)
		if err != nil {
			return fmt.Errorf("sign event: %w", err)
		}
		ev.Sig = hex.EncodeToString(sig.Serialize())
		return nil
	})
}

// ConversationKey returns the conversation key shared with peer
func (s *Signer) ConversationKey(peer string) ([32]byte, error) {
	var key [32]byte
	pub, err := encryption.ParsePublicKey(peer)
	if err != nil {
		return key, err
	}
	err = s.withKey(func(priv *btcec.PrivateKey) error {
		key = s.keys.ConversationKey(priv, pub)
		return nil
	})
	return key, err
}

// Encrypt encrypts plaintext for peer with the current scheme
func (s *Signer) Encrypt(peer, plaintext string) (string, error) {
	key, err := s.ConversationKey(peer)
	if err != nil {
		return "", err
	}
	return encryption.Encrypt(plaintext, key)
}

// Decrypt decrypts a payload from peer encrypted with the current scheme
func (s *Signer) Decrypt(peer, payload string) (string, error) {
	key, err := s.ConversationKey(peer)
	if err != nil {
		return "", err
	}
	return encryption.Decrypt(payload, key)
}

// EncryptLegacy encrypts plaintext for peer with the legacy scheme
func (s *Signer) EncryptLegacy(peer, plaintext string) (string, error) {
	var out string
	err := s.withShared(peer, func(shared []byte) error {
		var err error
		out, err = encryption.EncryptLegacy(plaintext, shared)
		return err
	})
	return out, err
}

// DecryptLegacy decrypts a legacy payload from peer
func (s *Signer) DecryptLegacy(peer, content string) (string, error) {
	var out string
	err := s.withShared(peer, func(shared []byte) error {
		var err error
		out, err = encryption.DecryptLegacy(content, shared)
		return err
	})
	return out, err
}

func (s *Signer) withShared(peer string, f func(shared []byte) error) error {
	pub, err := encryption.ParsePublicKey(peer)
	if err != nil {
		return err
	}
	return s.withKey(func(priv *btcec.PrivateKey) error {
		shared := encryption.SharedX(priv, pub)
		defer encryption.Wipe(shared)
		return f(shared)
	})
}

// Destroy drops the sealed key and cached conversation keys
func (s *Signer) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enclave = nil
	s.keys.Forget(s.pubkey)
}
