package watcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/encryption"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/types"
)

// DefaultWindow bounds how far back the reply subscription reaches
const DefaultWindow = 10 * time.Second

// Subscriber streams events matching a filter
type Subscriber interface {
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error)
}

// Canceller drops buffered requests answered elsewhere
type Canceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// Watcher cancels buffered requests that a sibling device holding the same key already answered
type Watcher struct {
	log     *log.Entry
	signer  *keys.Signer
	relay   Subscriber
	pending Canceller
	clock   clockwork.Clock
	window  time.Duration

	wg sync.WaitGroup
}

// New creates a watcher for the key held by signer
func New(signer *keys.Signer, relay Subscriber, pending Canceller, clock clockwork.Clock) *Watcher {
	return &Watcher{
		log:     log.WithField("owner", signer.PublicKey()),
		signer:  signer,
		relay:   relay,
		pending: pending,
		clock:   clock,
		window:  DefaultWindow,
	}
}

// Start subscribes to replies authored by the key until ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	since := nostr.Timestamp(w.clock.Now().Add(-w.window).Unix())
	events, err := w.relay.Subscribe(ctx, nostr.Filter{
		Kinds:   []int{types.RequestKind},
		Authors: []string{w.signer.PublicKey()},
		Since:   &since,
	})
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for ev := range events {
			w.handle(ctx, ev)
		}
	}()
	return nil
}

// Wait blocks until the subscription loop exits
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) handle(ctx context.Context, ev *nostr.Event) {
	if ev.PubKey != w.signer.PublicKey() {
		return
	}
	peer := recipient(ev)
	if peer == "" {
		return
	}

	var plaintext string
	var err error
	if encryption.IsLegacyPayload(ev.Content) {
		plaintext, err = w.signer.DecryptLegacy(peer, ev.Content)
	} else {
		plaintext, err = w.signer.Decrypt(peer, ev.Content)
	}
	if err != nil {
		w.log.Tracef("skipping undecryptable reply %s: %v", ev.ID, err)
		return
	}

	var body struct {
		ID     string `json:"id"`
		Method string `json:"method"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(plaintext), &body); err != nil || body.ID == "" {
		return
	}
	if body.Method != "" || body.Result == types.AuthURLResult {
		return
	}

	cancelled, err := w.pending.Cancel(ctx, body.ID)
	if err != nil {
		w.log.Errorf("failed to cancel answered request %s: %v", body.ID, err)
		return
	}
	if cancelled {
		w.log.Debugf("request %s was answered by another device", body.ID)
	}
}

func recipient(ev *nostr.Event) string {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == "p" {
			return t[1]
		}
	}
	return ""
}
