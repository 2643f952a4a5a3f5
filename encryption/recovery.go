package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	minPassphraseLen = 8
	maxPassphraseLen = 256
)

var (
	// BackupKeyIterations is the PBKDF2 work factor for the server backup key
	BackupKeyIterations = 10_000_000
	// PasswordHashIterations is the PBKDF2 work factor for the verifier sent to the server
	PasswordHashIterations = 100_000
)

// BackupKey is the key used to seal a private key stored on the recovery server
type BackupKey struct {
	Key []byte
	// PasswordHash proves knowledge of the passphrase to the server without revealing Key
	PasswordHash string
}

// Wipe zeroes the key material
func (k *BackupKey) Wipe() {
	Wipe(k.Key)
}

// DeriveBackupKey derives the server backup key of pubkey from a passphrase
func DeriveBackupKey(pubkey, passphrase string) (*BackupKey, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}
	salt := []byte(pubkey)
	key := pbkdf2.Key([]byte(passphrase), salt, BackupKeyIterations, 32, sha256.New)
	pwh := pbkdf2.Key([]byte(hex.EncodeToString(key)), salt, PasswordHashIterations, 32, sha256.New)
	return &BackupKey{Key: key, PasswordHash: hex.EncodeToString(pwh)}, nil
}

// SealBackup encrypts priv with the backup key
func SealBackup(priv, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, priv, nil)), nil
}

// OpenBackup decrypts a blob produced by SealBackup
func OpenBackup(sealed string, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(data) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: malformed sealed backup", ErrInvalidPayload)
	}
	priv, err := aead.Open(nil, data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return priv, nil
}

// ValidatePassphrase checks the passphrase policy for server backups
func ValidatePassphrase(passphrase string) error {
	n := utf8.RuneCountInString(passphrase)
	if n < minPassphraseLen {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassphrase, minPassphraseLen)
	}
	if n > maxPassphraseLen {
		return fmt.Errorf("%w: at most %d characters allowed", ErrWeakPassphrase, maxPassphraseLen)
	}

	var lower, upper, digit, other bool
	for _, r := range passphrase {
		switch {
		case unicode.IsControl(r):
			return fmt.Errorf("%w: control characters are not allowed", ErrWeakPassphrase)
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}

	classes := 0
	for _, c := range []bool{lower, upper, digit, other} {
		if c {
			classes++
		}
	}
	if classes < 2 {
		return fmt.Errorf("%w: use at least two of lowercase, uppercase, digits and symbols", ErrWeakPassphrase)
	}
	return nil
}
