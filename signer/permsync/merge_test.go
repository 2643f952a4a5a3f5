package permsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/store"
	"github.com/keybunker/keybunker/signer/types"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSqliteStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close(context.Background())
	})
	return st
}

func full(app *types.App, perms ...*types.Permission) *Full {
	return &Full{App: app, Perms: perms}
}

func perm(id, key, value string, ts int64) *types.Permission {
	return &types.Permission{ID: id, Owner: "owner", App: "app", Perm: key, Value: value, Timestamp: ts}
}

func appAt(updatedAt, permUpdatedAt int64, name string) *types.App {
	return &types.App{Owner: "owner", App: "app", Name: name, CreatedAt: 10, UpdatedAt: updatedAt, PermUpdatedAt: permUpdatedAt}
}

func TestMerge_Create(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	changed, err := Merge(ctx, st, &Tombstone{Owner: "owner", App: "app", UpdatedAt: 5})
	require.NoError(t, err)
	assert.False(t, changed, "tombstone without local record")

	changed, err = Merge(ctx, st, full(appAt(20, 30, "first"), perm("p1", "connect", types.PermAllow, 30)))
	require.NoError(t, err)
	assert.True(t, changed)

	app, err := st.GetApp(ctx, "owner", "app")
	require.NoError(t, err)
	assert.Equal(t, "first", app.Name)
	perms, err := st.GetAppPermissions(ctx, "owner", "app")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "p1", perms[0].ID)

	changed, err = Merge(ctx, st, full(appAt(20, 30, "first"), perm("p1", "connect", types.PermAllow, 30)))
	require.NoError(t, err)
	assert.False(t, changed, "same snapshot twice")
}

func TestMerge_Metadata(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	_, err := Merge(ctx, st, full(appAt(20, 30, "first"), perm("p1", "connect", types.PermAllow, 30)))
	require.NoError(t, err)

	older := appAt(15, 30, "stale")
	changed, err := Merge(ctx, st, full(older))
	require.NoError(t, err)
	assert.False(t, changed)

	newer := appAt(40, 30, "renamed")
	newer.CreatedAt = 5
	changed, err = Merge(ctx, st, full(newer))
	require.NoError(t, err)
	assert.True(t, changed)

	app, err := st.GetApp(ctx, "owner", "app")
	require.NoError(t, err)
	assert.Equal(t, "renamed", app.Name)
	assert.Equal(t, int64(5), app.CreatedAt, "earlier creation time wins")
	assert.Equal(t, int64(30), app.PermUpdatedAt)

	perms, err := st.GetAppPermissions(ctx, "owner", "app")
	require.NoError(t, err)
	assert.Len(t, perms, 1, "permissions are kept when only metadata is newer")
}

func TestMerge_Permissions(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	_, err := Merge(ctx, st, full(appAt(20, 30, "first"), perm("p1", "connect", types.PermAllow, 30), perm("p2", "ping", types.PermAllow, 30)))
	require.NoError(t, err)

	changed, err := Merge(ctx, st, full(appAt(20, 25, "first"), perm("p3", "ping", types.PermDeny, 25)))
	require.NoError(t, err)
	assert.False(t, changed, "older permission list")

	changed, err = Merge(ctx, st, full(appAt(20, 50, "first"), perm("p4", "sign_event:1", types.PermDeny, 50)))
	require.NoError(t, err)
	assert.True(t, changed)

	perms, err := st.GetAppPermissions(ctx, "owner", "app")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "p4", perms[0].ID)

	app, err := st.GetApp(ctx, "owner", "app")
	require.NoError(t, err)
	assert.Equal(t, int64(50), app.PermUpdatedAt)
	assert.Equal(t, int64(20), app.UpdatedAt)
}

func TestMerge_Tombstone(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	_, err := Merge(ctx, st, full(appAt(20, 30, "first"), perm("p1", "connect", types.PermAllow, 30)))
	require.NoError(t, err)

	changed, err := Merge(ctx, st, &Tombstone{Owner: "owner", App: "app", UpdatedAt: 20})
	require.NoError(t, err)
	assert.False(t, changed, "tombstone must be strictly newer")

	changed, err = Merge(ctx, st, &Tombstone{Owner: "owner", App: "app", UpdatedAt: 60})
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = st.GetApp(ctx, "owner", "app")
	assert.True(t, status.IsType(err, status.NotFound))
	perms, err := st.GetAppPermissions(ctx, "owner", "app")
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestMerge_RevivesLocalTombstone(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	local := appAt(20, 20, "first")
	local.Deleted = true
	require.NoError(t, st.SaveApp(ctx, local))

	changed, err := Merge(ctx, st, full(appAt(30, 30, "again"), perm("p1", "connect", types.PermAllow, 30)))
	require.NoError(t, err)
	assert.True(t, changed)

	app, err := st.GetApp(ctx, "owner", "app")
	require.NoError(t, err)
	assert.False(t, app.Deleted)
	assert.Equal(t, "again", app.Name)
}

type snapshot struct {
	name    string
	payload Payload
}

func state(t *testing.T, st store.Store) (*types.App, []*types.Permission) {
	t.Helper()
	ctx := context.Background()
	app, err := st.GetApp(ctx, "owner", "app")
	if status.IsType(err, status.NotFound) {
		app = nil
	} else {
		require.NoError(t, err)
	}
	perms, err := st.GetAppPermissions(ctx, "owner", "app")
	require.NoError(t, err)
	return app, perms
}

func TestMerge_Converges(t *testing.T) {
	ctx := context.Background()
	snapshots := []snapshot{
		{name: "created", payload: full(appAt(10, 10, "v1"), perm("p1", "connect", types.PermAllow, 10))},
		{name: "renamed", payload: full(appAt(20, 10, "v2"), perm("p1", "connect", types.PermAllow, 10))},
		{name: "granted", payload: full(appAt(20, 30, "v2"), perm("p1", "connect", types.PermAllow, 10), perm("p2", "sign_event:1", types.PermAllow, 30))},
	}

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}

	var wantApp *types.App
	var wantPerms []*types.Permission
	for i, order := range orders {
		st := newStore(t)
		for _, idx := range order {
			_, err := Merge(ctx, st, snapshots[idx].payload)
			require.NoError(t, err, snapshots[idx].name)
		}
		app, perms := state(t, st)
		require.NotNil(t, app)
		if i == 0 {
			wantApp, wantPerms = app, perms
			continue
		}
		assert.Equal(t, wantApp, app, "order %v", order)
		assert.ElementsMatch(t, wantPerms, perms, "order %v", order)
	}
	assert.Equal(t, "v2", wantApp.Name)
	assert.Len(t, wantPerms, 2)
}
