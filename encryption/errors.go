package encryption

import "errors"

var (
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrUnsupportedVersion = errors.New("unsupported encryption version")
	ErrInvalidMAC         = errors.New("invalid MAC")
	ErrInvalidPadding     = errors.New("invalid padding")
	ErrInvalidPlaintext   = errors.New("invalid plaintext length")
	ErrInvalidKey         = errors.New("invalid key")
	ErrInvalidBackup      = errors.New("invalid backup string")
	ErrWrongPassphrase    = errors.New("wrong passphrase or corrupted backup")
	ErrWeakPassphrase     = errors.New("passphrase does not meet requirements")
)
