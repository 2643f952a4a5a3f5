package encryption

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const legacyIVSeparator = "?iv="

// EncryptLegacy encrypts plaintext with AES-256-CBC keyed by the raw ECDH x coordinate
func EncryptLegacy(plaintext string, sharedX []byte) (string, error) {
	ct, iv, err := cbcEncrypt([]byte(plaintext), sharedX)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct) + legacyIVSeparator + base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptLegacy reverses EncryptLegacy
func DecryptLegacy(content string, sharedX []byte) (string, error) {
	idx := strings.LastIndex(content, legacyIVSeparator)
	if idx < 0 {
		return "", fmt.Errorf("%w: missing iv", ErrInvalidPayload)
	}

	ct, err := base64.StdEncoding.DecodeString(content[:idx])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	iv, err := base64.StdEncoding.DecodeString(content[idx+len(legacyIVSeparator):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	plain, err := cbcDecrypt(ct, iv, sharedX)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// IsLegacyPayload reports whether content carries the legacy "?iv=" suffix with a 16-byte iv
func IsLegacyPayload(content string) bool {
	idx := strings.LastIndex(content, legacyIVSeparator)
	if idx < 0 {
		return false
	}
	iv, err := base64.StdEncoding.DecodeString(content[idx+len(legacyIVSeparator):])
	return err == nil && len(iv) == 16
}
