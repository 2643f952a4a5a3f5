package encryption

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

// KeyUsage is authenticated together with a backed up key and describes how it may be used
type KeyUsage byte

const (
	// UsagePlain marks a key that may be loaded and used for signing
	UsagePlain KeyUsage = 0x00
	// UsageWatchOnly marks a key restored only to watch for requests until it is unlocked
	UsageWatchOnly KeyUsage = 0x01
)

const (
	backupHRP     = "ncryptsec"
	backupVersion = 0x02
	backupSize    = 1 + 1 + 16 + 24 + 1 + 48

	minLogN = 1
	maxLogN = 22
)

// DefaultBackupLogN is the scrypt cost used for new backups
var DefaultBackupLogN uint8 = 16

func (u KeyUsage) valid() bool {
	return u == UsagePlain || u == UsageWatchOnly
}

// EncryptBackup wraps a 32-byte private key with a passphrase into a portable bech32 string
func EncryptBackup(priv []byte, passphrase string, logN uint8, usage KeyUsage) (string, error) {
	if len(priv) != 32 {
		return "", fmt.Errorf("%w: private key must be 32 bytes", ErrInvalidKey)
	}
	if logN < minLogN || logN > maxLogN {
		return "", fmt.Errorf("%w: log_n %d out of range", ErrInvalidBackup, logN)
	}
	if !usage.valid() {
		return "", fmt.Errorf("%w: unknown key usage %d", ErrInvalidBackup, usage)
	}

	salt := make([]byte, 16)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	key, err := backupKey(passphrase, salt, logN)
	if err != nil {
		return "", err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	ad := []byte{byte(usage)}

	data := make([]byte, 0, backupSize)
	data = append(data, backupVersion, logN)
	data = append(data, salt...)
	data = append(data, nonce...)
	data = append(data, ad...)
	data = aead.Seal(data, nonce, priv, ad)

	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	return bech32.Encode(backupHRP, conv)
}

// DecryptBackup unwraps a string produced by EncryptBackup. The structure is validated before any key derivation.
func DecryptBackup(backup, passphrase string) ([]byte, KeyUsage, error) {
	hrp, conv, err := bech32.DecodeNoLimit(backup)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if hrp != backupHRP {
		return nil, 0, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidBackup, hrp)
	}
	data, err := bech32.ConvertBits(conv, 5, 8, false)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if len(data) != backupSize {
		return nil, 0, fmt.Errorf("%w: length %d", ErrInvalidBackup, len(data))
	}
	if data[0] != backupVersion {
		return nil, 0, fmt.Errorf("%w: version %d", ErrInvalidBackup, data[0])
	}
	logN := data[1]
	if logN < minLogN || logN > maxLogN {
		return nil, 0, fmt.Errorf("%w: log_n %d out of range", ErrInvalidBackup, logN)
	}
	salt := data[2:18]
	nonce := data[18:42]
	ad := data[42:43]
	usage := KeyUsage(ad[0])
	if !usage.valid() {
		return nil, 0, fmt.Errorf("%w: unknown key usage %d", ErrInvalidBackup, usage)
	}

	key, err := backupKey(passphrase, salt, logN)
	if err != nil {
		return nil, 0, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, 0, fmt.Errorf("init cipher: %w", err)
	}
	priv, err := aead.Open(nil, nonce, data[43:], ad)
	if err != nil {
		return nil, 0, ErrWrongPassphrase
	}
	return priv, usage, nil
}

func backupKey(passphrase string, salt []byte, logN uint8) ([]byte, error) {
	key, err := scrypt.Key([]byte(norm.NFKC.String(passphrase)), salt, 1<<logN, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
