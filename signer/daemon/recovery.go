package daemon

import (
	"context"

	"github.com/keybunker/keybunker/encryption"
	"github.com/keybunker/keybunker/recovery/client"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/status"
)

// RecoveryConfig points at the recovery and name registration server
type RecoveryConfig struct {
	URL    string
	MinPow int
	MaxPow int
}

func (d *Daemon) recoveryClient(signer client.Signer) (*client.Client, error) {
	if d.config.Recovery.URL == "" {
		return nil, status.Errorf(status.PreconditionFailed, "no recovery server configured")
	}
	return client.NewClient(d.config.Recovery.URL, signer, d.config.Recovery.MinPow, d.config.Recovery.MaxPow), nil
}

// RecoveryClient returns a client acting for the unlocked key pubkey
func (d *Daemon) RecoveryClient(pubkey string) (*client.Client, error) {
	s, err := d.Session(pubkey)
	if err != nil {
		return nil, err
	}
	return d.recoveryClient(s.signer)
}

// Backup stores the key on the recovery server, sealed with a key derived from passphrase
func (d *Daemon) Backup(ctx context.Context, pubkey, passphrase string) error {
	s, err := d.Session(pubkey)
	if err != nil {
		return err
	}
	rc, err := d.recoveryClient(s.signer)
	if err != nil {
		return err
	}

	bk, err := encryption.DeriveBackupKey(pubkey, passphrase)
	if err != nil {
		return status.Errorf(status.InvalidArgument, "%v", err)
	}
	defer bk.Wipe()

	var sealed string
	err = s.signer.WithPrivateKey(func(priv []byte) error {
		var err error
		sealed, err = encryption.SealBackup(priv, bk.Key)
		return err
	})
	if err != nil {
		return err
	}
	return rc.PutKey(ctx, sealed, bk.PasswordHash)
}

// Restore fetches the key of pubkey from the recovery server and stores it locally.
// The same passphrase protects the local backup.
func (d *Daemon) Restore(ctx context.Context, name, pubkey, passphrase string) (string, error) {
	rc, err := d.recoveryClient(nil)
	if err != nil {
		return "", err
	}

	bk, err := encryption.DeriveBackupKey(pubkey, passphrase)
	if err != nil {
		return "", status.Errorf(status.InvalidArgument, "%v", err)
	}
	defer bk.Wipe()

	sealed, err := rc.GetKey(ctx, keys.Npub(pubkey), bk.PasswordHash)
	if err != nil {
		return "", err
	}
	priv, err := encryption.OpenBackup(sealed, bk.Key)
	if err != nil {
		return "", status.Errorf(status.PermissionDenied, "failed to open server backup: %v", err)
	}

	k, err := encryption.ParsePrivateKey(priv)
	if err != nil {
		encryption.Wipe(priv)
		return "", status.Errorf(status.InvalidArgument, "invalid private key: %v", err)
	}
	restored := encryption.PublicKeyHex(k)
	k.Zero()
	if restored != pubkey {
		encryption.Wipe(priv)
		return "", status.Errorf(status.InvalidArgument, "server returned a different key")
	}
	return d.saveAndUnlock(ctx, name, priv, passphrase)
}
