package permission

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/signer/metrics"
	"github.com/keybunker/keybunker/signer/notify"
	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/types"
)

// DefaultPendingTTL is how long a request waits for a manual decision
const DefaultPendingTTL = 10 * time.Minute

var expirePeriod = 10 * time.Second

type entry struct {
	req        *types.PendingRequest
	result     chan types.Decision
	enqueuedAt time.Time
}

// Engine classifies the requests of one key and holds the requests waiting for a decision.
// Every request id is classified at most once per engine.
type Engine struct {
	log     *log.Entry
	owner   string
	manager *Manager
	clock   clockwork.Clock
	metrics *metrics.AppMetrics
	methods map[string]struct{}
	ttl     time.Duration

	seen *cache.Cache

	mu     sync.Mutex
	buffer map[string]*entry
}

// NewEngine creates the engine of owner for the methods its backend implements
func NewEngine(owner string, manager *Manager, methods []string, ttl time.Duration, m *metrics.AppMetrics) *Engine {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Engine{
		log:     log.WithField("owner", owner),
		owner:   owner,
		manager: manager,
		clock:   manager.clock,
		metrics: m,
		methods: setOf(methods...),
		ttl:     ttl,
		seen:    cache.New(cache.NoExpiration, 0),
		buffer:  make(map[string]*entry),
	}
}

// Classify decides what to do with req. Re-deliveries of an already classified id are ignored.
// A connect token carried by req is consumed here.
func (e *Engine) Classify(ctx context.Context, req *types.PendingRequest) (types.Decision, error) {
	if err := e.seen.Add(req.ID, struct{}{}, cache.NoExpiration); err != nil {
		return types.DecisionIgnore, nil
	}

	d, err := e.manager.classify(ctx, req, e.methods, true)
	if err != nil {
		// let the client retry the same id
		e.seen.Delete(req.ID)
	}
	e.metrics.CountRequest(ctx, req.Method, d.String())
	return d, err
}

// Commit applies the side effects of an immediate decision
func (e *Engine) Commit(ctx context.Context, req *types.PendingRequest, d types.Decision) error {
	if d == types.DecisionAllow && req.Method == types.MethodConnect {
		return e.manager.ConnectApp(ctx, req)
	}
	return nil
}

// Enqueue buffers req until a decision arrives. The returned channel yields exactly one decision.
// A request already buffered yields a nil channel. The durable row is written before the request
// becomes visible to Confirm and Cancel.
func (e *Engine) Enqueue(ctx context.Context, req *types.PendingRequest) (<-chan types.Decision, error) {
	if e.IsPending(req.ID) {
		return nil, nil
	}
	now := e.clock.Now()
	ent := &entry{req: req.Copy(), result: make(chan types.Decision, 1), enqueuedAt: now}
	if ent.req.CreatedAt == 0 {
		ent.req.CreatedAt = now.UnixMilli()
	}

	if _, err := e.manager.store.AddPending(ctx, ent.req); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, ok := e.buffer[req.ID]; ok {
		e.mu.Unlock()
		return nil, nil
	}
	e.buffer[req.ID] = ent
	e.mu.Unlock()

	e.metrics.AddPending(ctx, 1)
	e.manager.pendingChanged(ctx, e.owner, req.ID, notify.PendingAdded)
	return ent.result, nil
}

// IsPending reports whether id is waiting for a decision
func (e *Engine) IsPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.buffer[id]
	return ok
}

// Pending returns the buffered requests, oldest first
func (e *Engine) Pending() []*types.PendingRequest {
	return e.manager.cache.Pending(e.owner)
}

func (e *Engine) take(id string) (*entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.buffer[id]
	if ok {
		delete(e.buffer, id)
	}
	return ent, ok
}

func (e *Engine) putBack(ent *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer[ent.req.ID] = ent
}

func (e *Engine) resolve(ctx context.Context, ent *entry, d types.Decision) {
	ent.result <- d
	e.metrics.AddPending(ctx, -1)
	e.manager.pendingChanged(ctx, e.owner, ent.req.ID, notify.PendingRemoved)
}

// Confirm applies a manual decision to a buffered request. With remember set the decision is stored as a
// permission for the request's key and extraPerms, and other buffered requests of the same app are re-classified.
func (e *Engine) Confirm(ctx context.Context, id string, allow, remember bool, extraPerms []string) error {
	ent, ok := e.take(id)
	if !ok {
		return status.NewPendingNotFoundError(id)
	}
	req := ent.req

	if err := e.persistDecision(ctx, req, allow, remember, extraPerms); err != nil {
		e.putBack(ent)
		return err
	}

	d := types.DecisionDisallow
	if allow {
		d = types.DecisionAllow
	}
	e.resolve(ctx, ent, d)
	e.log.Debugf("request %s from %s confirmed: %s", id, req.App, d)

	if remember {
		e.cascade(ctx, req.App)
	}
	return nil
}

func (e *Engine) persistDecision(ctx context.Context, req *types.PendingRequest, allow, remember bool, extraPerms []string) error {
	if req.Method == types.MethodConnect && allow {
		if err := e.manager.ConnectApp(ctx, req); err != nil {
			return err
		}
	}

	if remember {
		keys := append([]string{PermissionKey(req.Method, req.Params)}, extraPerms...)
		if err := e.manager.SavePermissions(ctx, req.Owner, req.App, keys, allow); err != nil {
			return err
		}
	}

	err := e.manager.store.ConfirmPending(ctx, req.ID, allow, e.clock.Now().UnixMilli())
	if err != nil && !status.IsType(err, status.NotFound) {
		return err
	}
	return nil
}

// cascade resolves buffered requests of app that the stored permissions now decide
func (e *Engine) cascade(ctx context.Context, app string) {
	e.mu.Lock()
	var candidates []*entry
	for _, ent := range e.buffer {
		if ent.req.App == app {
			candidates = append(candidates, ent)
		}
	}
	e.mu.Unlock()

	for _, c := range candidates {
		d, err := e.manager.classify(ctx, c.req, e.methods, false)
		if err != nil {
			e.log.Warnf("failed to re-classify request %s: %v", c.req.ID, err)
			continue
		}
		if d == types.DecisionAsk {
			continue
		}

		ent, ok := e.take(c.req.ID)
		if !ok {
			continue
		}
		if err := e.applyCascaded(ctx, ent.req, d); err != nil {
			e.log.Errorf("failed to apply decision to request %s: %v", ent.req.ID, err)
			e.putBack(ent)
			continue
		}
		e.resolve(ctx, ent, d)
		e.log.Debugf("request %s from %s resolved by stored permission: %s", ent.req.ID, app, d)
	}
}

func (e *Engine) applyCascaded(ctx context.Context, req *types.PendingRequest, d types.Decision) error {
	if d == types.DecisionIgnore {
		return e.removePending(ctx, req.ID)
	}
	if err := e.Commit(ctx, req, d); err != nil {
		return err
	}
	err := e.manager.store.ConfirmPending(ctx, req.ID, d == types.DecisionAllow, e.clock.Now().UnixMilli())
	if err != nil && !status.IsType(err, status.NotFound) {
		return err
	}
	return nil
}

func (e *Engine) removePending(ctx context.Context, id string) error {
	err := e.manager.store.RemovePending(ctx, id)
	if err != nil && !status.IsType(err, status.NotFound) {
		return err
	}
	return nil
}

// Cancel drops a buffered request without replying. It reports whether id was buffered.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	ent, ok := e.take(id)
	if !ok {
		return false, nil
	}
	if err := e.removePending(ctx, id); err != nil {
		e.putBack(ent)
		return false, err
	}
	e.resolve(ctx, ent, types.DecisionIgnore)
	return true, nil
}

// Start runs the expiry loop until ctx is done. Stale durable entries of the owner left by an earlier session are dropped.
func (e *Engine) Start(ctx context.Context) {
	for _, req := range e.manager.cache.Pending(e.owner) {
		if e.IsPending(req.ID) {
			continue
		}
		if err := e.removePending(ctx, req.ID); err != nil {
			e.log.Warnf("failed to drop stale pending request %s: %v", req.ID, err)
		}
	}
	if err := e.manager.cache.ReloadPending(ctx); err != nil {
		e.log.Warnf("failed to reload pending requests: %v", err)
	}

	ticker := e.clock.NewTicker(expirePeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				e.expire(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) expire(ctx context.Context) {
	deadline := e.clock.Now().Add(-e.ttl)

	e.mu.Lock()
	var expired []string
	for id, ent := range e.buffer {
		if !ent.enqueuedAt.After(deadline) {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		if ok, err := e.Cancel(ctx, id); err != nil {
			e.log.Errorf("failed to expire request %s: %v", id, err)
		} else if ok {
			e.log.Debugf("request %s expired without a decision", id)
		}
	}
}

// Close abandons every buffered request
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.buffer))
	for id := range e.buffer {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if _, err := e.Cancel(ctx, id); err != nil {
			e.log.Warnf("failed to abandon request %s: %v", id, err)
		}
	}
}
