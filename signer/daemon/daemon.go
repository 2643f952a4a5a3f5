package daemon

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/encryption"
	"github.com/keybunker/keybunker/relay/client"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/metrics"
	"github.com/keybunker/keybunker/signer/notify"
	"github.com/keybunker/keybunker/signer/permission"
	"github.com/keybunker/keybunker/signer/server"
	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/types"
)

// maxBufferedEvents bounds the events kept per locked key
const maxBufferedEvents = 100

// Config tunes the daemon and every key session it starts
type Config struct {
	Relays         []string
	Server         server.Config
	PendingTTL     time.Duration
	SyncInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Recovery       RecoveryConfig
}

// WrappingKeys stores the keys that wrap private keys for unattended unlock
type WrappingKeys interface {
	Create(pubkey string) (*memguard.LockedBuffer, error)
	Get(pubkey string) (*memguard.LockedBuffer, error)
	Delete(pubkey string) error
}

// KeyInfo describes a stored key
type KeyInfo struct {
	Pubkey    string `json:"pubkey"`
	Npub      string `json:"npub"`
	Name      string `json:"name"`
	Locked    bool   `json:"locked"`
	Local     bool   `json:"local"`
	CreatedAt int64  `json:"createdAt"`
}

// Daemon owns the unlocked key sessions, indexed by public key
type Daemon struct {
	ctx       context.Context
	config    Config
	manager   *permission.Manager
	notifier  *notify.Manager
	transport client.Transport
	wrapping  WrappingKeys
	clock     clockwork.Clock
	metrics   *metrics.AppMetrics

	mu       sync.Mutex
	sessions map[string]*KeySession
	buffered map[string][]*nostr.Event
}

// New creates a daemon. wrapping may be nil when no secure keychain is available.
func New(ctx context.Context, config Config, manager *permission.Manager, notifier *notify.Manager, transport client.Transport, wrapping WrappingKeys, clock clockwork.Clock, m *metrics.AppMetrics) *Daemon {
	return &Daemon{
		ctx:       ctx,
		config:    config,
		manager:   manager,
		notifier:  notifier,
		transport: transport,
		wrapping:  wrapping,
		clock:     clock,
		metrics:   m,
		sessions:  make(map[string]*KeySession),
		buffered:  make(map[string][]*nostr.Event),
	}
}

// Manager returns the shared permission manager
func (d *Daemon) Manager() *permission.Manager {
	return d.manager
}

// Relays returns the relay urls every session connects to
func (d *Daemon) Relays() []string {
	return append([]string(nil), d.config.Relays...)
}

// Start runs the shared background jobs and unlocks every key that has a wrapping key
func (d *Daemon) Start(ctx context.Context) error {
	d.manager.Start(d.ctx)

	stored, err := d.manager.Store().GetAllKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range stored {
		if len(key.LocalCipher) == 0 {
			continue
		}
		if err := d.UnlockLocal(ctx, key.Pubkey); err != nil {
			log.WithContext(ctx).Warnf("failed to unlock %s: %v", key.Pubkey, err)
		}
	}
	return nil
}

// Keys lists the stored keys with their lock state
func (d *Daemon) Keys(ctx context.Context) ([]*KeyInfo, error) {
	stored, err := d.manager.Store().GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	infos := make([]*KeyInfo, 0, len(stored))
	for _, k := range stored {
		_, unlocked := d.sessions[k.Pubkey]
		infos = append(infos, &KeyInfo{
			Pubkey:    k.Pubkey,
			Npub:      keys.Npub(k.Pubkey),
			Name:      k.Name,
			Locked:    !unlocked,
			Local:     len(k.LocalCipher) > 0,
			CreatedAt: k.CreatedAt,
		})
	}
	return infos, nil
}

// Session returns the session of an unlocked key
func (d *Daemon) Session(pubkey string) (*KeySession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[pubkey]
	if !ok {
		return nil, status.NewKeyLockedError(pubkey)
	}
	return s, nil
}

// AddKey generates a new key, stores it and unlocks it
func (d *Daemon) AddKey(ctx context.Context, name, passphrase string) (string, error) {
	priv, err := keys.GenerateKey()
	if err != nil {
		return "", err
	}
	return d.saveAndUnlock(ctx, name, priv, passphrase)
}

// ImportKey stores an existing key given as nsec, hex or ncryptsec and unlocks it.
// An ncryptsec is opened with passphrase, which also protects the stored backup.
func (d *Daemon) ImportKey(ctx context.Context, name, secret, passphrase string) (string, error) {
	var priv []byte
	var err error
	if strings.HasPrefix(secret, "ncryptsec1") {
		var usage encryption.KeyUsage
		priv, usage, err = encryption.DecryptBackup(secret, passphrase)
		if err != nil {
			return "", status.Errorf(status.InvalidArgument, "failed to open backup: %v", err)
		}
		if usage != encryption.UsagePlain {
			encryption.Wipe(priv)
			return "", status.Errorf(status.InvalidArgument, "backup is not usable for signing")
		}
	} else {
		priv, err = keys.DecodePrivateKey(secret)
		if err != nil {
			return "", status.Errorf(status.InvalidArgument, "invalid private key: %v", err)
		}
	}
	return d.saveAndUnlock(ctx, name, priv, passphrase)
}

func (d *Daemon) saveAndUnlock(ctx context.Context, name string, priv []byte, passphrase string) (string, error) {
	defer encryption.Wipe(priv)
	if passphrase == "" {
		return "", status.Errorf(status.InvalidArgument, "passphrase is required")
	}

	backup, err := encryption.EncryptBackup(priv, passphrase, encryption.DefaultBackupLogN, encryption.UsagePlain)
	if err != nil {
		return "", err
	}

	k, err := encryption.ParsePrivateKey(priv)
	if err != nil {
		return "", status.Errorf(status.InvalidArgument, "invalid private key: %v", err)
	}
	pubkey := encryption.PublicKeyHex(k)
	k.Zero()

	key := &types.Key{
		Pubkey:    pubkey,
		Name:      name,
		Backup:    backup,
		CreatedAt: d.clock.Now().UnixMilli(),
	}
	if d.wrapping != nil {
		if err := d.wrapLocal(key, priv); err != nil {
			log.WithContext(ctx).Warnf("key %s will need its passphrase to unlock: %v", pubkey, err)
		}
	}

	if err := d.manager.Store().SaveKey(ctx, key); err != nil {
		return "", err
	}
	d.notifier.Send(&notify.Event{Type: notify.KeysChanged, Owner: pubkey})

	if err := d.open(priv); err != nil {
		return "", err
	}
	return pubkey, nil
}

func (d *Daemon) wrapLocal(key *types.Key, priv []byte) error {
	wrapping, err := d.wrapping.Create(key.Pubkey)
	if err != nil {
		return err
	}
	defer wrapping.Destroy()

	cipher, iv, err := encryption.WrapLocal(priv, wrapping.Bytes())
	if err != nil {
		return err
	}
	key.LocalCipher = cipher
	key.LocalIV = iv
	return nil
}

// ExportKey returns the key of an unlocked session as an ncryptsec protected by passphrase
func (d *Daemon) ExportKey(_ context.Context, pubkey, passphrase string) (string, error) {
	if passphrase == "" {
		return "", status.Errorf(status.InvalidArgument, "passphrase is required")
	}
	s, err := d.Session(pubkey)
	if err != nil {
		return "", err
	}

	var backup string
	err = s.signer.WithPrivateKey(func(priv []byte) error {
		var err error
		backup, err = encryption.EncryptBackup(priv, passphrase, encryption.DefaultBackupLogN, encryption.UsagePlain)
		return err
	})
	return backup, err
}

// Unlock opens a stored key with its passphrase
func (d *Daemon) Unlock(ctx context.Context, pubkey, passphrase string) error {
	if d.unlocked(pubkey) {
		return nil
	}
	key, err := d.manager.Store().GetKey(ctx, pubkey)
	if err != nil {
		return err
	}

	priv, _, err := encryption.DecryptBackup(key.Backup, passphrase)
	if err != nil {
		return status.Errorf(status.PermissionDenied, "failed to unlock key: %v", err)
	}
	defer encryption.Wipe(priv)
	return d.open(priv)
}

// UnlockLocal opens a stored key with its wrapping key from the keychain
func (d *Daemon) UnlockLocal(ctx context.Context, pubkey string) error {
	if d.unlocked(pubkey) {
		return nil
	}
	if d.wrapping == nil {
		return status.Errorf(status.PreconditionFailed, "no keychain available, unlock with passphrase")
	}
	key, err := d.manager.Store().GetKey(ctx, pubkey)
	if err != nil {
		return err
	}
	if len(key.LocalCipher) == 0 {
		return status.Errorf(status.PreconditionFailed, "key %s has no local copy, unlock with passphrase", pubkey)
	}

	wrapping, err := d.wrapping.Get(pubkey)
	if err != nil {
		return err
	}
	defer wrapping.Destroy()

	priv, err := encryption.UnwrapLocal(key.LocalCipher, key.LocalIV, wrapping.Bytes())
	if err != nil {
		return status.Errorf(status.Internal, "failed to unwrap key: %v", err)
	}
	defer encryption.Wipe(priv)
	return d.open(priv)
}

func (d *Daemon) unlocked(pubkey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[pubkey]
	return ok
}

// open starts the session of priv and replays events received while it was locked
func (d *Daemon) open(priv []byte) error {
	signer, err := keys.NewSigner(append([]byte(nil), priv...))
	if err != nil {
		return err
	}
	pubkey := signer.PublicKey()

	d.mu.Lock()
	if _, ok := d.sessions[pubkey]; ok {
		d.mu.Unlock()
		signer.Destroy()
		return nil
	}
	s := newKeySession(d.ctx, signer, d)
	d.sessions[pubkey] = s
	pending := d.buffered[pubkey]
	delete(d.buffered, pubkey)
	d.mu.Unlock()

	s.start()
	d.metrics.AddSession(d.ctx, 1)
	d.notifier.Send(&notify.Event{Type: notify.KeysChanged, Owner: pubkey})
	log.Infof("unlocked key %s", keys.Npub(pubkey))

	for _, ev := range pending {
		s.backend.HandleEvent(s.ctx, ev)
	}
	return nil
}

// Lock stops the session of pubkey and discards its key material. Buffered requests are abandoned.
func (d *Daemon) Lock(_ context.Context, pubkey string) error {
	d.mu.Lock()
	s, ok := d.sessions[pubkey]
	delete(d.sessions, pubkey)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.close()
	d.metrics.AddSession(d.ctx, -1)
	d.notifier.Send(&notify.Event{Type: notify.KeysChanged, Owner: pubkey})
	log.Infof("locked key %s", keys.Npub(pubkey))
	return err
}

// DeleteKey locks and forgets a key. App records and permissions stay until the key is added again.
func (d *Daemon) DeleteKey(ctx context.Context, pubkey string) error {
	if _, err := d.manager.Store().GetKey(ctx, pubkey); err != nil {
		return err
	}
	if err := d.Lock(ctx, pubkey); err != nil {
		log.WithContext(ctx).Warnf("failed to stop session of %s: %v", pubkey, err)
	}
	if d.wrapping != nil {
		if err := d.wrapping.Delete(pubkey); err != nil {
			return err
		}
	}
	if err := d.manager.Store().DeleteKey(ctx, pubkey); err != nil {
		return err
	}
	d.notifier.Send(&notify.Event{Type: notify.KeysChanged, Owner: pubkey})
	return nil
}

// Inject feeds an event received outside the relay sessions, for example by push delivery.
// Events for locked keys are kept and replayed once the key is unlocked.
func (d *Daemon) Inject(ctx context.Context, ev *nostr.Event) {
	if ev.Kind != types.RequestKind {
		return
	}
	target := ""
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == "p" {
			target = t[1]
			break
		}
	}
	if target == "" {
		return
	}

	if s, err := d.Session(target); err == nil {
		s.backend.HandleEvent(s.ctx, ev)
		return
	}
	if _, err := d.manager.Store().GetKey(ctx, target); err != nil {
		return
	}

	d.mu.Lock()
	if s, ok := d.sessions[target]; ok {
		d.mu.Unlock()
		s.backend.HandleEvent(s.ctx, ev)
		return
	}
	queue := append(d.buffered[target], ev)
	if len(queue) > maxBufferedEvents {
		queue = queue[len(queue)-maxBufferedEvents:]
	}
	d.buffered[target] = queue
	d.mu.Unlock()
	log.WithContext(ctx).Debugf("buffered event %s for locked key %s", ev.ID, target)
}

// Confirm routes a manual decision to the session that buffered the request
func (d *Daemon) Confirm(ctx context.Context, id string, allow, remember bool, extraPerms []string) error {
	d.mu.Lock()
	var target *KeySession
	for _, s := range d.sessions {
		if s.engine.IsPending(id) {
			target = s
			break
		}
	}
	d.mu.Unlock()

	if target == nil {
		return status.NewPendingNotFoundError(id)
	}
	return target.engine.Confirm(ctx, id, allow, remember, extraPerms)
}

// Connect injects a nostrconnect:// pairing link for an unlocked key and returns the buffered request
func (d *Daemon) Connect(ctx context.Context, pubkey, link string) (*types.PendingRequest, error) {
	s, err := d.Session(pubkey)
	if err != nil {
		return nil, err
	}
	c, err := server.ParseConnectURL(link)
	if err != nil {
		return nil, status.Errorf(status.InvalidArgument, "%v", err)
	}
	req := c.Request(pubkey)
	s.backend.HandleLocal(s.ctx, req)
	return req, nil
}

// Close locks every key
func (d *Daemon) Close(ctx context.Context) error {
	d.mu.Lock()
	pubkeys := make([]string, 0, len(d.sessions))
	for pk := range d.sessions {
		pubkeys = append(pubkeys, pk)
	}
	d.mu.Unlock()

	var errs *multierror.Error
	for _, pk := range pubkeys {
		if err := d.Lock(ctx, pk); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
