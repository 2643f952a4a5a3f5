package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/relay/client"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/metrics"
	"github.com/keybunker/keybunker/signer/permission"
	"github.com/keybunker/keybunker/signer/permsync"
	"github.com/keybunker/keybunker/signer/server"
	"github.com/keybunker/keybunker/signer/watcher"
)

// KeySession is one unlocked key with its relay connections and request handling.
// The engine, backend, watcher and syncer live as long as the key is unlocked; the relay session
// is replaced on every restart and reached through the KeySession.
type KeySession struct {
	log       *log.Entry
	ctx       context.Context
	ctxCancel context.CancelFunc
	pubkey    string
	config    Config
	transport client.Transport
	clock     clockwork.Clock
	metrics   *metrics.AppMetrics
	manager   *permission.Manager

	signer  *keys.Signer
	engine  *permission.Engine
	backend *server.Backend
	watcher *watcher.Watcher
	syncer  *permsync.Syncer

	backoff *reconnector

	mu           sync.Mutex
	relay        *client.Session
	restartTimer clockwork.Timer
	closed       bool
}

func newKeySession(ctx context.Context, signer *keys.Signer, d *Daemon) *KeySession {
	ctx, cancel := context.WithCancel(ctx)
	s := &KeySession{
		log:       log.WithField("owner", signer.PublicKey()),
		ctx:       ctx,
		ctxCancel: cancel,
		pubkey:    signer.PublicKey(),
		config:    d.config,
		transport: d.transport,
		clock:     d.clock,
		metrics:   d.metrics,
		manager:   d.manager,
		signer:    signer,
		backoff:   newReconnector(d.config.InitialBackoff, d.config.MaxBackoff),
	}
	s.engine = permission.NewEngine(s.pubkey, d.manager, server.Methods(), d.config.PendingTTL, d.metrics)
	s.backend = server.NewBackend(signer, s, s.engine, d.clock, d.config.Server, d.metrics)
	s.watcher = watcher.New(signer, s, s.engine, d.clock)
	s.syncer = permsync.NewSyncer(signer, s, d.manager, d.clock, d.config.SyncInterval, d.metrics)
	return s
}

// PublicKey returns the hex public key of the session
func (s *KeySession) PublicKey() string {
	return s.pubkey
}

// Engine returns the decision engine of the session
func (s *KeySession) Engine() *permission.Engine {
	return s.engine
}

// Backend returns the protocol backend of the session
func (s *KeySession) Backend() *server.Backend {
	return s.backend
}

// Signer returns the unlocked key
func (s *KeySession) Signer() *keys.Signer {
	return s.signer
}

func (s *KeySession) start() {
	s.engine.Start(s.ctx)
	s.run()
}

// run connects a new relay session and attaches the subsystems to it.
// Failures are left to the disconnect listener, which schedules a restart.
func (s *KeySession) run() {
	relay := client.NewSession(s.ctx, s.pubkey, s.config.Relays, s.transport)
	relay.SetListeners(s.onConnected, s.onDisconnected)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = relay.Close()
		return
	}
	s.relay = relay
	s.mu.Unlock()

	if err := relay.Start(); err != nil {
		s.log.Warnf("relay session failed to start: %v", err)
		return
	}

	if err := s.backend.Start(s.ctx); err != nil {
		s.log.Errorf("failed to start request handling: %v", err)
	}
	if err := s.watcher.Start(s.ctx); err != nil {
		s.log.Errorf("failed to start reply watcher: %v", err)
	}
	if err := s.syncer.Start(s.ctx); err != nil {
		s.log.Errorf("failed to start permission sync: %v", err)
	}
}

func (s *KeySession) onConnected() {
	s.backoff.Reset()
}

func (s *KeySession) onDisconnected() {
	s.scheduleRestart()
}

// scheduleRestart tears the relay session down and starts a new one after the current backoff delay
func (s *KeySession) scheduleRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.restartTimer != nil {
		return
	}
	delay := s.backoff.Next()
	s.metrics.CountRestart(s.ctx)
	s.log.Infof("all relays disconnected, restarting in %s", delay)
	s.restartTimer = s.clock.AfterFunc(delay, s.restart)
}

func (s *KeySession) restart() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.restartTimer = nil
	old := s.relay
	s.relay = nil
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Debugf("closing previous relay session: %v", err)
		}
	}
	s.run()
}

func (s *KeySession) currentRelay() (*client.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relay == nil {
		return nil, fmt.Errorf("relay session of %s is not running", s.pubkey)
	}
	return s.relay, nil
}

// Subscribe subscribes through the current relay session
func (s *KeySession) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error) {
	relay, err := s.currentRelay()
	if err != nil {
		return nil, err
	}
	return relay.Subscribe(ctx, filter)
}

// Publish publishes through the current relay session
func (s *KeySession) Publish(ctx context.Context, ev nostr.Event) error {
	relay, err := s.currentRelay()
	if err != nil {
		return err
	}
	return relay.Publish(ctx, ev)
}

// Fetch queries through the current relay session
func (s *KeySession) Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	relay, err := s.currentRelay()
	if err != nil {
		return nil, err
	}
	return relay.Fetch(ctx, filter)
}

// close stops every subsystem, abandons buffered requests and wipes the key
func (s *KeySession) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	relay := s.relay
	s.relay = nil
	s.mu.Unlock()

	s.manager.RemoveChangeListener(s.pubkey)
	s.ctxCancel()

	var err error
	if relay != nil {
		err = relay.Close()
	}

	s.engine.Close(context.Background())
	s.backend.Wait()
	s.watcher.Wait()
	s.syncer.Wait()
	s.signer.Destroy()
	return err
}
