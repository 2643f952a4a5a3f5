// Package keystore keeps the symmetric keys that wrap private keys at rest in the OS keychain.
package keystore

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"github.com/awnumar/memguard"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/signer/status"
)

const (
	serviceName = "keybunker"
	keySize     = 32
)

var secureBackends = []keyring.BackendType{
	keyring.KeychainBackend,
	keyring.WinCredBackend,
	keyring.SecretServiceBackend,
	keyring.KWalletBackend,
	keyring.KeyCtlBackend,
	keyring.PassBackend,
}

// Config selects the keychain. The encrypted file backend is used only when FilePassword is set.
type Config struct {
	FileDir      string
	FilePassword string
}

// Keystore stores one wrapping key per signing key
type Keystore struct {
	ring keyring.Keyring
}

// Open opens the first available secure keychain. There is no plaintext fallback:
// without a keychain the caller has to keep keys passphrase-wrapped only.
func Open(config Config) (*Keystore, error) {
	kc := keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          secureBackends,
		KeychainTrustApplication: true,
		KeyCtlScope:              "user",
		LibSecretCollectionName:  serviceName,
		KWalletAppID:             serviceName,
		KWalletFolder:            serviceName,
	}
	if config.FilePassword != "" && config.FileDir != "" {
		kc.AllowedBackends = append(kc.AllowedBackends, keyring.FileBackend)
		kc.FileDir = config.FileDir
		kc.FilePasswordFunc = keyring.FixedStringPrompt(config.FilePassword)
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		if errors.Is(err, keyring.ErrNoAvailImpl) {
			return nil, status.Errorf(status.PreconditionFailed, "no secure keychain available")
		}
		return nil, fmt.Errorf("open keychain: %w", err)
	}
	log.Debugf("opened keychain with backends %v", kc.AllowedBackends)
	return &Keystore{ring: ring}, nil
}

// NewMemory returns a keystore that lives only in process memory
func NewMemory() *Keystore {
	return &Keystore{ring: keyring.NewArrayKeyring(nil)}
}

// Create generates and stores a fresh wrapping key for pubkey
func (k *Keystore) Create(pubkey string) (*memguard.LockedBuffer, error) {
	buf := memguard.NewBufferRandom(keySize)
	err := k.ring.Set(keyring.Item{
		Key:   pubkey,
		Data:  append([]byte(nil), buf.Bytes()...),
		Label: serviceName + " " + pubkey,
	})
	if err != nil {
		buf.Destroy()
		return nil, status.Errorf(status.Internal, "failed to store wrapping key: %v", err)
	}
	return buf, nil
}

// Get loads the wrapping key of pubkey. The caller destroys the returned buffer.
func (k *Keystore) Get(pubkey string) (*memguard.LockedBuffer, error) {
	item, err := k.ring.Get(pubkey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, status.Errorf(status.NotFound, "no wrapping key for %s", pubkey)
		}
		return nil, status.Errorf(status.Internal, "failed to read wrapping key: %v", err)
	}
	if len(item.Data) != keySize {
		return nil, status.Errorf(status.Internal, "wrapping key of %s is corrupted", pubkey)
	}
	return memguard.NewBufferFromBytes(item.Data), nil
}

// Delete removes the wrapping key of pubkey
func (k *Keystore) Delete(pubkey string) error {
	err := k.ring.Remove(pubkey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return status.Errorf(status.Internal, "failed to remove wrapping key: %v", err)
	}
	return nil
}
