package permsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/metrics"
	"github.com/keybunker/keybunker/signer/notify"
	"github.com/keybunker/keybunker/signer/permission"
	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/types"
)

const (
	// SnapshotKind is the replaceable event kind carrying snapshots
	SnapshotKind = 30078
	// DefaultInterval is the period of full republishing
	DefaultInterval = 1 * time.Hour
)

// Relay is the part of a relay session the syncer needs
type Relay interface {
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error)
	Publish(ctx context.Context, ev nostr.Event) error
	Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
}

// Syncer replicates the app and permission state of one key across the devices holding it
type Syncer struct {
	log      *log.Entry
	signer   *keys.Signer
	relay    Relay
	manager  *permission.Manager
	clock    clockwork.Clock
	interval time.Duration
	metrics  *metrics.AppMetrics

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	wake    chan struct{}

	loopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSyncer creates a syncer for the key held by signer
func NewSyncer(signer *keys.Signer, relay Relay, manager *permission.Manager, clock clockwork.Clock, interval time.Duration, m *metrics.AppMetrics) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{
		log:      log.WithField("owner", signer.PublicKey()),
		signer:   signer,
		relay:    relay,
		manager:  manager,
		clock:    clock,
		interval: interval,
		metrics:  m,
		dirty:    make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

func (s *Syncer) owner() string {
	return s.signer.PublicKey()
}

// Identifier returns the d tag of the snapshot of app. Only holders of the key can link it to the app.
func (s *Syncer) Identifier(app string) (string, error) {
	self, err := s.signer.ConversationKey(s.owner())
	if err != nil {
		return "", err
	}
	appBytes, err := hex.DecodeString(app)
	if err != nil {
		return "", fmt.Errorf("invalid app public key: %w", err)
	}
	h := sha256.New()
	h.Write(self[:])
	h.Write(appBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Start pulls the stored snapshots, then follows new ones and publishes local changes until ctx is done.
// Start may be called again after the relay stream ended; the publish loop runs once.
func (s *Syncer) Start(ctx context.Context) error {
	filter := nostr.Filter{Kinds: []int{SnapshotKind}, Authors: []string{s.owner()}}

	stored, err := s.relay.Fetch(ctx, filter)
	if err != nil {
		s.log.Warnf("failed to fetch snapshots: %v", err)
	}
	for _, ev := range stored {
		s.Ingest(ctx, ev)
	}

	since := nostr.Timestamp(s.clock.Now().Unix())
	filter.Since = &since
	events, err := s.relay.Subscribe(ctx, filter)
	if err != nil {
		return err
	}

	s.manager.SetChangeListener(s.owner(), s.Trigger)

	if err := s.publishIfNeverSynced(ctx); err != nil {
		s.log.Warnf("initial snapshot publish failed: %v", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range events {
			s.Ingest(ctx, ev)
		}
	}()

	s.loopOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.publishLoop(ctx)
		}()
	})
	return nil
}

// Wait blocks until the syncer goroutines exit
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) publishIfNeverSynced(ctx context.Context) error {
	st := s.manager.Store()
	_, err := st.GetSyncMarker(ctx, s.owner())
	if err == nil {
		return nil
	}
	if !status.IsType(err, status.NotFound) {
		return err
	}

	if err := s.PublishAll(ctx); err != nil {
		return err
	}
	return st.SaveSyncMarker(ctx, &types.SyncMarker{Owner: s.owner(), SyncedAt: s.clock.Now().UnixMilli()})
}

// Trigger schedules a snapshot publish for app without blocking the caller
func (s *Syncer) Trigger(_ context.Context, app string) {
	s.dirtyMu.Lock()
	s.dirty[app] = struct{}{}
	s.dirtyMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Syncer) takeDirty() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	apps := make([]string, 0, len(s.dirty))
	for app := range s.dirty {
		apps = append(apps, app)
	}
	s.dirty = make(map[string]struct{})
	return apps
}

func (s *Syncer) publishLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			for _, app := range s.takeDirty() {
				if err := s.Publish(ctx, app); err != nil {
					s.log.Errorf("failed to publish snapshot of %s: %v", app, err)
				}
			}
		case <-ticker.Chan():
			if err := s.PublishAll(ctx); err != nil {
				s.log.Errorf("failed to publish snapshots: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// PublishAll publishes the snapshot of every app record of the key, tombstones included
func (s *Syncer) PublishAll(ctx context.Context) error {
	var firstErr error
	for _, app := range s.manager.Cache().AllApps(s.owner()) {
		if err := s.Publish(ctx, app.App); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Publish publishes the current snapshot of app
func (s *Syncer) Publish(ctx context.Context, app string) error {
	record, ok := s.manager.Cache().App(s.owner(), app)
	if !ok {
		return nil
	}
	body, err := Encode(record, s.manager.Cache().Permissions(s.owner(), app))
	if err != nil {
		return err
	}
	content, err := s.signer.Encrypt(s.owner(), string(body))
	if err != nil {
		return err
	}
	d, err := s.Identifier(app)
	if err != nil {
		return err
	}

	ev := nostr.Event{
		Kind:      SnapshotKind,
		CreatedAt: nostr.Timestamp(s.clock.Now().Unix()),
		Tags:      nostr.Tags{{"d", d}},
		Content:   content,
	}
	if err := s.signer.SignEvent(&ev); err != nil {
		return err
	}
	return s.relay.Publish(ctx, ev)
}

// Ingest merges a snapshot event. Events that are not snapshots of this key are skipped.
func (s *Syncer) Ingest(ctx context.Context, ev *nostr.Event) {
	if ev.Kind != SnapshotKind || ev.PubKey != s.owner() {
		return
	}
	if ok, _ := ev.CheckSignature(); !ok {
		return
	}

	plaintext, err := s.signer.Decrypt(s.owner(), ev.Content)
	if err != nil {
		s.log.Tracef("skipping undecryptable app data %s: %v", ev.ID, err)
		return
	}
	payload, err := ParsePayload([]byte(plaintext))
	if err != nil {
		s.log.Debugf("skipping snapshot %s: %v", ev.ID, err)
		return
	}

	owner, app := payload.Pair()
	if owner != s.owner() {
		return
	}
	if d, err := s.Identifier(app); err != nil || d != dTag(ev) {
		s.log.Debugf("skipping snapshot %s with mismatching identifier", ev.ID)
		return
	}

	changed, err := Merge(ctx, s.manager.Store(), payload)
	s.metrics.CountMerge(ctx, changed)
	if err != nil {
		s.log.Errorf("failed to merge snapshot of %s: %v", app, err)
		return
	}
	if !changed {
		return
	}

	cache := s.manager.Cache()
	if err := cache.ReloadApps(ctx); err != nil {
		s.log.Errorf("failed to reload apps: %v", err)
	}
	if err := cache.ReloadPermissions(ctx); err != nil {
		s.log.Errorf("failed to reload permissions: %v", err)
	}
	s.manager.Notify(owner, app, notify.AppsChanged)
	s.manager.Notify(owner, app, notify.PermsChanged)
	s.log.Debugf("merged snapshot of %s", app)
}

func dTag(ev *nostr.Event) string {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == "d" {
			return t[1]
		}
	}
	return ""
}
