package encryption

import "fmt"

// WrapLocal encrypts a private key for device-local storage with AES-256-CBC and a fresh IV
func WrapLocal(priv, key []byte) (ciphertext, iv []byte, err error) {
	if len(key) != 32 {
		return nil, nil, fmt.Errorf("%w: wrapping key must be 32 bytes", ErrInvalidKey)
	}
	return cbcEncrypt(priv, key)
}

// UnwrapLocal decrypts a key produced by WrapLocal
func UnwrapLocal(ciphertext, iv, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: wrapping key must be 32 bytes", ErrInvalidKey)
	}
	priv, err := cbcDecrypt(ciphertext, iv, key)
	if err != nil {
		return nil, err
	}
	if len(priv) != 32 {
		Wipe(priv)
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", ErrInvalidKey, len(priv))
	}
	return priv, nil
}
