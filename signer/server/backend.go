package server

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/encryption"
	"github.com/keybunker/keybunker/signer/keys"
	"github.com/keybunker/keybunker/signer/metrics"
	"github.com/keybunker/keybunker/signer/permission"
	"github.com/keybunker/keybunker/signer/types"
	"github.com/keybunker/keybunker/util"
)

const (
	// DefaultRequestWindow bounds how far back the request subscription reaches
	DefaultRequestWindow = 10 * time.Second
	// DefaultAuthChallengeDelay gives sibling devices time to answer before an auth_url is published
	DefaultAuthChallengeDelay = 5 * time.Second

	errPermissionDenied = "Permission denied"
)

// Relay is the part of a relay session the backend publishes and subscribes through
type Relay interface {
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error)
	Publish(ctx context.Context, ev nostr.Event) error
}

// Config tunes a Backend
type Config struct {
	// AuthURL is the confirmation page announced in auth_url challenges. Challenges are disabled when empty.
	AuthURL            string
	AuthChallengeDelay time.Duration
	RequestWindow      time.Duration
}

type replyTo struct {
	peer   string
	legacy bool
}

// Backend answers the remote signing requests addressed to one key
type Backend struct {
	log      *log.Entry
	signer   *keys.Signer
	relay    Relay
	engine   *permission.Engine
	clock    clockwork.Clock
	metrics  *metrics.AppMetrics
	config   Config
	handlers map[string]handler

	wg sync.WaitGroup
}

// NewBackend creates a backend for the key held by signer
func NewBackend(signer *keys.Signer, relay Relay, engine *permission.Engine, clock clockwork.Clock, config Config, m *metrics.AppMetrics) *Backend {
	if config.AuthChallengeDelay <= 0 {
		config.AuthChallengeDelay = DefaultAuthChallengeDelay
	}
	if config.RequestWindow <= 0 {
		config.RequestWindow = DefaultRequestWindow
	}

	b := &Backend{
		log:     log.WithField("owner", signer.PublicKey()),
		signer:  signer,
		relay:   relay,
		engine:  engine,
		clock:   clock,
		metrics: m,
		config:  config,
	}
	b.handlers = b.newHandlers()
	return b
}

// Start subscribes to requests addressed to the key and handles them until ctx is done or the stream ends
func (b *Backend) Start(ctx context.Context) error {
	since := nostr.Timestamp(b.clock.Now().Add(-b.config.RequestWindow).Unix())
	events, err := b.relay.Subscribe(ctx, nostr.Filter{
		Kinds: []int{types.RequestKind},
		Tags:  nostr.TagMap{"p": []string{b.signer.PublicKey()}},
		Since: &since,
	})
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range events {
			b.HandleEvent(ctx, ev)
		}
	}()
	return nil
}

// Wait blocks until every request started by the backend finished
func (b *Backend) Wait() {
	b.wg.Wait()
}

// HandleEvent verifies, decrypts and dispatches one inbound request event. Invalid events are dropped.
// Waiting for a decision happens in the background.
func (b *Backend) HandleEvent(ctx context.Context, ev *nostr.Event) {
	if ev.Kind != types.RequestKind {
		return
	}
	if ok, err := ev.CheckSignature(); !ok {
		b.log.Debugf("dropping event %s with invalid signature: %v", ev.ID, err)
		return
	}

	reply := replyTo{peer: ev.PubKey, legacy: encryption.IsLegacyPayload(ev.Content)}

	var plaintext string
	var err error
	if reply.legacy {
		plaintext, err = b.signer.DecryptLegacy(ev.PubKey, ev.Content)
	} else {
		plaintext, err = b.signer.Decrypt(ev.PubKey, ev.Content)
	}
	if err != nil {
		b.log.Debugf("dropping undecryptable event %s from %s: %v", ev.ID, ev.PubKey, err)
		return
	}

	var req types.Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil || req.ID == "" || req.Method == "" {
		b.log.Debugf("dropping malformed request in event %s from %s", ev.ID, ev.PubKey)
		return
	}

	pending := &types.PendingRequest{
		ID:        req.ID,
		Owner:     b.signer.PublicKey(),
		App:       ev.PubKey,
		Method:    req.Method,
		Params:    req.Params,
		CreatedAt: b.clock.Now().UnixMilli(),
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.process(ctx, pending, reply)
	}()
}

// HandleLocal runs a request synthesized on this device through the same authorization pipeline.
// Replies use the current encryption scheme.
func (b *Backend) HandleLocal(ctx context.Context, req *types.PendingRequest) {
	req = req.Copy()
	req.Local = true
	req.Owner = b.signer.PublicKey()
	if req.CreatedAt == 0 {
		req.CreatedAt = b.clock.Now().UnixMilli()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.process(ctx, req, replyTo{peer: req.App})
	}()
}

func (b *Backend) process(ctx context.Context, req *types.PendingRequest, reply replyTo) {
	ctx = util.WithApp(util.WithOwner(util.WithSource(ctx, util.RelaySource), req.Owner), req.App)

	d, err := b.engine.Classify(ctx, req)
	if err != nil {
		log.WithContext(ctx).Errorf("failed to classify request %s: %v", req.ID, err)
		return
	}
	log.WithContext(ctx).Debugf("request %s %s classified as %s", req.ID, req.Method, d)

	if d == types.DecisionAsk {
		d = b.await(ctx, req, reply)
	} else if err := b.engine.Commit(ctx, req, d); err != nil {
		log.WithContext(ctx).Errorf("failed to apply decision for request %s: %v", req.ID, err)
		return
	}

	switch d {
	case types.DecisionAllow:
		b.execute(ctx, req, reply)
	case types.DecisionDisallow:
		b.reply(ctx, reply, &types.Response{ID: req.ID, Error: errPermissionDenied})
	}
}

// await buffers req until a decision arrives and announces it with an auth_url challenge
func (b *Backend) await(ctx context.Context, req *types.PendingRequest, reply replyTo) types.Decision {
	result, err := b.engine.Enqueue(ctx, req)
	if err != nil {
		log.WithContext(ctx).Errorf("failed to buffer request %s: %v", req.ID, err)
		return types.DecisionIgnore
	}
	if result == nil {
		return types.DecisionIgnore
	}

	if challenge := b.challengeURL(req); challenge != "" {
		timer := b.clock.AfterFunc(b.config.AuthChallengeDelay, func() {
			if !b.engine.IsPending(req.ID) {
				return
			}
			b.reply(ctx, reply, &types.Response{ID: req.ID, Result: types.AuthURLResult, Error: challenge})
		})
		defer timer.Stop()
	}

	select {
	case d := <-result:
		return d
	case <-ctx.Done():
		return types.DecisionIgnore
	}
}

func (b *Backend) challengeURL(req *types.PendingRequest) string {
	if b.config.AuthURL == "" || req.Local {
		return ""
	}
	u, err := url.Parse(b.config.AuthURL)
	if err != nil {
		b.log.Warnf("invalid auth url %q: %v", b.config.AuthURL, err)
		return ""
	}
	q := u.Query()
	q.Set("key", keys.Npub(req.Owner))
	q.Set("req", req.ID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *Backend) execute(ctx context.Context, req *types.PendingRequest, reply replyTo) {
	// the engine classifies against Methods(), so every method here has a handler
	result, err := b.handlers[req.Method](ctx, req)
	if err != nil {
		log.WithContext(ctx).Debugf("request %s %s failed: %v", req.ID, req.Method, err)
		b.reply(ctx, reply, &types.Response{ID: req.ID, Error: err.Error()})
		return
	}
	b.reply(ctx, reply, &types.Response{ID: req.ID, Result: result})
}

// reply encrypts resp for the peer with the scheme the request used and publishes it
func (b *Backend) reply(ctx context.Context, to replyTo, resp *types.Response) {
	err := b.publish(ctx, to, resp)
	b.metrics.CountReply(ctx, err != nil)
	if err != nil {
		log.WithContext(ctx).Errorf("failed to reply to request %s: %v", resp.ID, err)
	}
}

func (b *Backend) publish(ctx context.Context, to replyTo, resp *types.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var content string
	if to.legacy {
		content, err = b.signer.EncryptLegacy(to.peer, string(body))
	} else {
		content, err = b.signer.Encrypt(to.peer, string(body))
	}
	if err != nil {
		return err
	}

	ev := nostr.Event{
		Kind:      types.RequestKind,
		CreatedAt: nostr.Timestamp(b.clock.Now().Unix()),
		Tags:      nostr.Tags{{"p", to.peer}},
		Content:   content,
	}
	if err := b.signer.SignEvent(&ev); err != nil {
		return err
	}
	return b.relay.Publish(ctx, ev)
}
