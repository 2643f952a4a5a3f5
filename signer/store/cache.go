package store

import (
	"context"
	"sort"
	"sync"

	"github.com/keybunker/keybunker/signer/types"
)

// Cache is an in-memory view of apps, permissions and pending requests.
// Every collection is reloaded from the Store after a write and swapped in under the lock.
type Cache struct {
	store Store

	mu      sync.RWMutex
	apps    map[string]*types.App
	perms   map[string][]*types.Permission
	pending map[string]*types.PendingRequest
}

// NewCache creates an empty cache over st
func NewCache(st Store) *Cache {
	return &Cache{
		store:   st,
		apps:    make(map[string]*types.App),
		perms:   make(map[string][]*types.Permission),
		pending: make(map[string]*types.PendingRequest),
	}
}

func pairKey(owner, app string) string {
	return owner + "/" + app
}

// Reload refreshes every collection
func (c *Cache) Reload(ctx context.Context) error {
	if err := c.ReloadApps(ctx); err != nil {
		return err
	}
	if err := c.ReloadPermissions(ctx); err != nil {
		return err
	}
	return c.ReloadPending(ctx)
}

func (c *Cache) ReloadApps(ctx context.Context) error {
	apps, err := c.store.GetAllApps(ctx)
	if err != nil {
		return err
	}
	m := make(map[string]*types.App, len(apps))
	for _, a := range apps {
		m[pairKey(a.Owner, a.App)] = a
	}

	c.mu.Lock()
	c.apps = m
	c.mu.Unlock()
	return nil
}

func (c *Cache) ReloadPermissions(ctx context.Context) error {
	perms, err := c.store.GetAllPermissions(ctx)
	if err != nil {
		return err
	}
	m := make(map[string][]*types.Permission)
	for _, p := range perms {
		k := pairKey(p.Owner, p.App)
		m[k] = append(m[k], p)
	}

	c.mu.Lock()
	c.perms = m
	c.mu.Unlock()
	return nil
}

func (c *Cache) ReloadPending(ctx context.Context) error {
	reqs, err := c.store.GetAllPending(ctx)
	if err != nil {
		return err
	}
	m := make(map[string]*types.PendingRequest, len(reqs))
	for _, r := range reqs {
		m[r.ID] = r
	}

	c.mu.Lock()
	c.pending = m
	c.mu.Unlock()
	return nil
}

// App returns a copy of the app record, including tombstones
func (c *Cache) App(owner, app string) (*types.App, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.apps[pairKey(owner, app)]
	if !ok {
		return nil, false
	}
	return a.Copy(), true
}

// Connected reports whether app has a live connection to owner
func (c *Cache) Connected(owner, app string) bool {
	a, ok := c.App(owner, app)
	return ok && !a.Deleted
}

// Apps returns the live apps of owner sorted by creation time
func (c *Cache) Apps(owner string) []*types.App {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var apps []*types.App
	for _, a := range c.apps {
		if a.Owner == owner && !a.Deleted {
			apps = append(apps, a.Copy())
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].CreatedAt < apps[j].CreatedAt })
	return apps
}

// AllApps returns every app record of owner, tombstones included
func (c *Cache) AllApps(owner string) []*types.App {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var apps []*types.App
	for _, a := range c.apps {
		if a.Owner == owner {
			apps = append(apps, a.Copy())
		}
	}
	return apps
}

// Permissions returns the permissions of the (owner, app) pair
func (c *Cache) Permissions(owner, app string) []*types.Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()

	perms := c.perms[pairKey(owner, app)]
	out := make([]*types.Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.Copy())
	}
	return out
}

// OwnerPermissions returns every permission of owner
func (c *Cache) OwnerPermissions(owner string) []*types.Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*types.Permission
	for _, perms := range c.perms {
		for _, p := range perms {
			if p.Owner == owner {
				out = append(out, p.Copy())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Pending returns the pending requests of owner, oldest first
func (c *Cache) Pending(owner string) []*types.PendingRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*types.PendingRequest
	for _, r := range c.pending {
		if r.Owner == owner {
			out = append(out, r.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}
