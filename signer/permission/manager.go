package permission

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/signer/notify"
	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/store"
	"github.com/keybunker/keybunker/signer/types"
)

const (
	tokenLength = 32
	// DefaultTokenTTL is the lifetime of a connect token
	DefaultTokenTTL = 10 * time.Minute
)

var tokenCleanupPeriod = 1 * time.Minute

// ChangeListener is called after apps or permissions of an owner changed locally
type ChangeListener func(ctx context.Context, app string)

// Manager owns the durable permission state shared by every key session
type Manager struct {
	store    store.Store
	cache    *store.Cache
	notifier *notify.Manager
	clock    clockwork.Clock

	listenersMu sync.RWMutex
	listeners   map[string]ChangeListener
}

// NewManager creates a manager over an already loaded cache
func NewManager(st store.Store, cache *store.Cache, notifier *notify.Manager, clock clockwork.Clock) *Manager {
	return &Manager{
		store:     st,
		cache:     cache,
		notifier:  notifier,
		clock:     clock,
		listeners: make(map[string]ChangeListener),
	}
}

// Store returns the underlying store
func (m *Manager) Store() store.Store {
	return m.store
}

// Cache returns the shared cache
func (m *Manager) Cache() *store.Cache {
	return m.cache
}

func (m *Manager) now() int64 {
	return m.clock.Now().UnixMilli()
}

// SetChangeListener registers the listener for owner, replacing any previous one
func (m *Manager) SetChangeListener(owner string, l ChangeListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners[owner] = l
}

// RemoveChangeListener drops the listener of owner
func (m *Manager) RemoveChangeListener(owner string) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, owner)
}

func (m *Manager) changed(ctx context.Context, owner, app string, evType notify.EventType) {
	m.send(&notify.Event{Type: evType, Owner: owner, App: app})

	m.listenersMu.RLock()
	l := m.listeners[owner]
	m.listenersMu.RUnlock()
	if l != nil {
		l(ctx, app)
	}
}

// Notify forwards a state change that happened outside the manager, for example a merged snapshot
func (m *Manager) Notify(owner, app string, evType notify.EventType) {
	m.send(&notify.Event{Type: evType, Owner: owner, App: app})
}

func (m *Manager) send(ev *notify.Event) {
	if m.notifier != nil {
		m.notifier.Send(ev)
	}
}

func (m *Manager) pendingChanged(ctx context.Context, owner, id string, evType notify.EventType) {
	if err := m.cache.ReloadPending(ctx); err != nil {
		log.WithContext(ctx).Errorf("failed to reload pending requests: %v", err)
	}
	m.send(&notify.Event{Type: evType, Owner: owner, RequestID: id})
}

// classify runs the decision algorithm for req. A non-nil error always comes with DecisionIgnore.
func (m *Manager) classify(ctx context.Context, req *types.PendingRequest, methods map[string]struct{}, checkToken bool) (types.Decision, error) {
	if _, ok := methods[req.Method]; !ok {
		return types.DecisionIgnore, nil
	}

	if req.Method != types.MethodConnect && !m.cache.Connected(req.Owner, req.App) {
		return types.DecisionIgnore, nil
	}

	if req.Method == types.MethodConnect && checkToken && !req.Local {
		if secret := connectSecret(req.Params); secret != "" {
			token, ok, err := m.consumeToken(ctx, req.Owner, secret)
			if err != nil {
				return types.DecisionIgnore, err
			}
			if !ok {
				return types.DecisionIgnore, nil
			}
			req.SubDelegate = token.SubDelegate
			// a token issued by the user re-opens an app whose connect was denied before
			if err := m.clearConnectDeny(ctx, req.Owner, req.App); err != nil {
				return types.DecisionIgnore, err
			}
		}
	}

	if m.connectDenied(req.Owner, req.App) {
		return types.DecisionIgnore, nil
	}

	if perm := m.Lookup(req.Owner, req.App, PermissionKey(req.Method, req.Params)); perm != nil {
		if perm.Allowed() {
			return types.DecisionAllow, nil
		}
		// a denied connect, directly or through a package, gets no reply
		if req.Method == types.MethodConnect {
			return types.DecisionIgnore, nil
		}
		return types.DecisionDisallow, nil
	}

	return types.DecisionAsk, nil
}

// Lookup finds the newest permission matching key exactly, falling back to a package containing key
func (m *Manager) Lookup(owner, app, key string) *types.Permission {
	perms := m.cache.Permissions(owner, app)

	var found *types.Permission
	for _, p := range perms {
		if p.Perm == key && (found == nil || p.Timestamp > found.Timestamp) {
			found = p
		}
	}
	if found != nil {
		return found
	}

	for _, p := range perms {
		if PackageContains(p.Perm, key) && (found == nil || p.Timestamp > found.Timestamp) {
			found = p
		}
	}
	return found
}

func (m *Manager) connectDenied(owner, app string) bool {
	for _, p := range m.cache.Permissions(owner, app) {
		if p.Perm == types.MethodConnect && !p.Allowed() {
			return true
		}
	}
	return false
}

func (m *Manager) clearConnectDeny(ctx context.Context, owner, app string) error {
	removed := false
	for _, p := range m.cache.Permissions(owner, app) {
		if p.Perm == types.MethodConnect && !p.Allowed() {
			if err := m.store.DeletePermission(ctx, p.ID); err != nil && !status.IsType(err, status.NotFound) {
				return err
			}
			removed = true
		}
	}
	if removed {
		return m.cache.ReloadPermissions(ctx)
	}
	return nil
}

// consumeToken validates and deletes a connect token in one transaction
func (m *Manager) consumeToken(ctx context.Context, owner, secret string) (*types.ConnectToken, bool, error) {
	var token *types.ConnectToken
	now := m.now()

	err := m.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		t, err := tx.GetConnectToken(ctx, secret)
		if err != nil {
			if status.IsType(err, status.NotFound) {
				return nil
			}
			return err
		}
		if !t.Valid(owner, now) {
			return nil
		}
		if err := tx.DeleteConnectToken(ctx, secret); err != nil {
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return token, token != nil, nil
}

// CreateToken issues a single-use connect token for owner
func (m *Manager) CreateToken(ctx context.Context, owner, subDelegate string, ttl time.Duration) (*types.ConnectToken, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	secret, err := base62.Random(tokenLength)
	if err != nil {
		return nil, status.Errorf(status.Internal, "failed to generate token: %v", err)
	}

	now := m.clock.Now()
	token := &types.ConnectToken{
		Token:       secret,
		Owner:       owner,
		SubDelegate: subDelegate,
		CreatedAt:   now.UnixMilli(),
		Expiry:      now.Add(ttl).UnixMilli(),
	}
	if err := m.store.SaveConnectToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// ConnectApp creates or revives the app record for an allowed connect request
func (m *Manager) ConnectApp(ctx context.Context, req *types.PendingRequest) error {
	now := m.now()

	app, ok := m.cache.App(req.Owner, req.App)
	if !ok {
		app = &types.App{Owner: req.Owner, App: req.App, CreatedAt: now, PermUpdatedAt: now}
	}
	app.Deleted = false
	app.UpdatedAt = now
	if req.AppName != "" {
		app.Name = req.AppName
	}
	if req.AppIcon != "" {
		app.Icon = req.AppIcon
	}
	if req.AppURL != "" {
		app.URL = req.AppURL
	}
	if req.SubDelegate != "" {
		app.SubDelegate = req.SubDelegate
	}
	if secret := connectSecret(req.Params); secret != "" && !req.Local {
		app.Token = secret
	}

	if err := m.store.SaveApp(ctx, app); err != nil {
		return err
	}
	if err := m.cache.ReloadApps(ctx); err != nil {
		return err
	}

	m.changed(ctx, req.Owner, req.App, notify.AppsChanged)
	return nil
}

// SavePermissions remembers value for every key of the (owner, app) pair
func (m *Manager) SavePermissions(ctx context.Context, owner, app string, keys []string, allow bool) error {
	now := m.now()
	value := types.PermDeny
	if allow {
		value = types.PermAllow
	}

	err := m.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		existing, err := tx.GetAppPermissions(ctx, owner, app)
		if err != nil {
			return err
		}
		for _, key := range keys {
			perm := &types.Permission{ID: xid.New().String(), Owner: owner, App: app, Perm: key}
			for _, p := range existing {
				if p.Perm == key {
					perm = p
					break
				}
			}
			perm.Value = value
			perm.Timestamp = now
			if err := tx.SavePermission(ctx, perm); err != nil {
				return err
			}
		}

		a, err := tx.GetApp(ctx, owner, app)
		if err != nil {
			if status.IsType(err, status.NotFound) {
				return nil
			}
			return err
		}
		a.PermUpdatedAt = now
		return tx.SaveApp(ctx, a)
	})
	if err != nil {
		return err
	}

	if err := m.reloadAppsAndPerms(ctx); err != nil {
		return err
	}
	m.changed(ctx, owner, app, notify.PermsChanged)
	return nil
}

// AppUpdate carries user-editable app metadata
type AppUpdate struct {
	Name string
	Icon string
	URL  string
}

// UpdateApp changes the metadata of a live app
func (m *Manager) UpdateApp(ctx context.Context, owner, app string, update AppUpdate) (*types.App, error) {
	a, ok := m.cache.App(owner, app)
	if !ok || a.Deleted {
		return nil, status.NewAppNotFoundError(owner, app)
	}

	a.Name = update.Name
	a.Icon = update.Icon
	a.URL = update.URL
	a.UpdatedAt = m.now()

	if err := m.store.SaveApp(ctx, a); err != nil {
		return nil, err
	}
	if err := m.cache.ReloadApps(ctx); err != nil {
		return nil, err
	}

	m.changed(ctx, owner, app, notify.AppsChanged)
	return a, nil
}

// DeleteApp disconnects an app. The record stays as a tombstone so the deletion replicates.
func (m *Manager) DeleteApp(ctx context.Context, owner, app string) error {
	a, ok := m.cache.App(owner, app)
	hasPerms := len(m.cache.Permissions(owner, app)) > 0
	if (!ok || a.Deleted) && !hasPerms {
		return status.NewAppNotFoundError(owner, app)
	}

	err := m.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		if ok && !a.Deleted {
			now := m.now()
			a.Deleted = true
			a.UpdatedAt = now
			a.PermUpdatedAt = now
			if err := tx.SaveApp(ctx, a); err != nil {
				return err
			}
		}
		return tx.DeleteAppPermissions(ctx, owner, app)
	})
	if err != nil {
		return err
	}

	if err := m.reloadAppsAndPerms(ctx); err != nil {
		return err
	}
	m.changed(ctx, owner, app, notify.AppsChanged)
	return nil
}

// DeletePermission removes a single remembered permission of owner
func (m *Manager) DeletePermission(ctx context.Context, owner, id string) error {
	var perm *types.Permission
	for _, p := range m.cache.OwnerPermissions(owner) {
		if p.ID == id {
			perm = p
			break
		}
	}
	if perm == nil {
		return status.Errorf(status.NotFound, "permission not found: %s", id)
	}

	err := m.store.ExecuteInTransaction(ctx, func(tx store.Store) error {
		if err := tx.DeletePermission(ctx, id); err != nil {
			return err
		}
		a, err := tx.GetApp(ctx, owner, perm.App)
		if err != nil {
			if status.IsType(err, status.NotFound) {
				return nil
			}
			return err
		}
		a.PermUpdatedAt = m.now()
		return tx.SaveApp(ctx, a)
	})
	if err != nil {
		return err
	}

	if err := m.reloadAppsAndPerms(ctx); err != nil {
		return err
	}
	m.changed(ctx, owner, perm.App, notify.PermsChanged)
	return nil
}

// Apps returns the live apps of owner
func (m *Manager) Apps(owner string) []*types.App {
	return m.cache.Apps(owner)
}

// Permissions returns the remembered permissions of owner
func (m *Manager) Permissions(owner string) []*types.Permission {
	return m.cache.OwnerPermissions(owner)
}

// History returns the latest manual decisions of owner
func (m *Manager) History(ctx context.Context, owner string, limit int) ([]*types.HistoryEntry, error) {
	return m.store.GetHistory(ctx, owner, limit)
}

func (m *Manager) reloadAppsAndPerms(ctx context.Context) error {
	if err := m.cache.ReloadApps(ctx); err != nil {
		return err
	}
	return m.cache.ReloadPermissions(ctx)
}

// Start runs the expired connect token cleanup until ctx is done
func (m *Manager) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(tokenCleanupPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				n, err := m.store.DeleteExpiredConnectTokens(ctx, m.now())
				if err != nil {
					log.WithContext(ctx).Errorf("failed to delete expired connect tokens: %v", err)
					continue
				}
				if n > 0 {
					log.WithContext(ctx).Debugf("deleted %d expired connect tokens", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
