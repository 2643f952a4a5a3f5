package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/types"
)

func newTestStore(t *testing.T) *SqlStore {
	t.Helper()
	st, err := NewSqliteStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close(context.Background())
	})
	return st
}

func TestSqlStore_Keys(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	key := &types.Key{Pubkey: "aa", Name: "main", Backup: "ncryptsec1xyz", LocalCipher: []byte{1, 2}, LocalIV: []byte{3}, CreatedAt: 10}
	require.NoError(t, st.SaveKey(ctx, key))

	got, err := st.GetKey(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	key.Name = "renamed"
	require.NoError(t, st.SaveKey(ctx, key))
	all, err := st.GetAllKeys(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "renamed", all[0].Name)

	require.NoError(t, st.DeleteKey(ctx, "aa"))
	_, err = st.GetKey(ctx, "aa")
	assert.True(t, status.IsType(err, status.NotFound))
}

func TestSqlStore_AppsAndPermissions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	app := &types.App{Owner: "o", App: "a", Name: "client", CreatedAt: 1, UpdatedAt: 2, PermUpdatedAt: 3}
	require.NoError(t, st.SaveApp(ctx, app))

	got, err := st.GetApp(ctx, "o", "a")
	require.NoError(t, err)
	assert.Equal(t, app, got)

	app.Deleted = true
	app.UpdatedAt = 5
	require.NoError(t, st.SaveApp(ctx, app))
	got, err = st.GetApp(ctx, "o", "a")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, int64(5), got.UpdatedAt)

	require.NoError(t, st.SavePermission(ctx, &types.Permission{ID: "p1", Owner: "o", App: "a", Perm: "connect", Value: types.PermAllow, Timestamp: 1}))
	require.NoError(t, st.SavePermission(ctx, &types.Permission{ID: "p2", Owner: "o", App: "a", Perm: "sign_event:1", Value: types.PermDeny, Timestamp: 2}))
	require.NoError(t, st.SavePermission(ctx, &types.Permission{ID: "p3", Owner: "o", App: "b", Perm: "connect", Value: types.PermAllow, Timestamp: 3}))

	perms, err := st.GetAppPermissions(ctx, "o", "a")
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, "p1", perms[0].ID)

	require.NoError(t, st.DeletePermission(ctx, "p1"))
	err = st.DeletePermission(ctx, "p1")
	assert.True(t, status.IsType(err, status.NotFound))

	require.NoError(t, st.DeleteAppPermissions(ctx, "o", "a"))
	all, err := st.GetAllPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p3", all[0].ID)

	require.NoError(t, st.DeleteApp(ctx, "o", "a"))
	_, err = st.GetApp(ctx, "o", "a")
	assert.True(t, status.IsType(err, status.NotFound))
}

func TestSqlStore_AddPendingIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	req := &types.PendingRequest{ID: "r1", Owner: "o", App: "a", Method: "sign_event", Params: []string{`{"kind":1}`}, CreatedAt: 1}
	inserted, err := st.AddPending(ctx, req)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := req.Copy()
	dup.Method = "ping"
	inserted, err = st.AddPending(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	all, err := st.GetAllPending(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "sign_event", all[0].Method)
	assert.Equal(t, []string{`{"kind":1}`}, all[0].Params)
}

func TestSqlStore_AddPendingConcurrent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := st.AddPending(ctx, &types.PendingRequest{ID: "same", Owner: "o", App: "a", Method: "ping"})
			assert.NoError(t, err)
			results <- inserted
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for inserted := range results {
		if inserted {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSqlStore_ConfirmPending(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.AddPending(ctx, &types.PendingRequest{ID: "r1", Owner: "o", App: "a", Method: "ping", CreatedAt: 7})
	require.NoError(t, err)

	require.NoError(t, st.ConfirmPending(ctx, "r1", true, 9))

	pending, err := st.GetAllPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err := st.GetHistory(ctx, "o", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "r1", history[0].ID)
	assert.True(t, history[0].Allowed)
	assert.Equal(t, int64(7), history[0].CreatedAt)
	assert.Equal(t, int64(9), history[0].DecidedAt)

	err = st.ConfirmPending(ctx, "r1", true, 10)
	assert.True(t, status.IsType(err, status.NotFound))
}

func TestSqlStore_ConnectTokens(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.SaveConnectToken(ctx, &types.ConnectToken{Token: "t1", Owner: "o", Expiry: 100}))
	require.NoError(t, st.SaveConnectToken(ctx, &types.ConnectToken{Token: "t2", Owner: "o", Expiry: 300}))

	tok, err := st.GetConnectToken(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, tok.Valid("o", 99))
	assert.False(t, tok.Valid("o", 100))
	assert.False(t, tok.Valid("x", 99))

	n, err := st.DeleteExpiredConnectTokens(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.GetConnectToken(ctx, "t1")
	assert.True(t, status.IsType(err, status.NotFound))

	require.NoError(t, st.DeleteConnectToken(ctx, "t2"))
	_, err = st.GetConnectToken(ctx, "t2")
	assert.True(t, status.IsType(err, status.NotFound))
}

func TestSqlStore_SyncMarker(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.GetSyncMarker(ctx, "o")
	assert.True(t, status.IsType(err, status.NotFound))

	require.NoError(t, st.SaveSyncMarker(ctx, &types.SyncMarker{Owner: "o", SyncedAt: 5}))
	m, err := st.GetSyncMarker(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.SyncedAt)
}

func TestSqlStore_ExecuteInTransaction(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	err := st.ExecuteInTransaction(ctx, func(tx Store) error {
		if err := tx.SaveApp(ctx, &types.App{Owner: "o", App: "a"}); err != nil {
			return err
		}
		return status.Errorf(status.Internal, "boom")
	})
	require.Error(t, err)

	_, err = st.GetApp(ctx, "o", "a")
	assert.True(t, status.IsType(err, status.NotFound), "rolled back")

	err = st.ExecuteInTransaction(ctx, func(tx Store) error {
		return tx.SaveApp(ctx, &types.App{Owner: "o", App: "a"})
	})
	require.NoError(t, err)
	_, err = st.GetApp(ctx, "o", "a")
	assert.NoError(t, err)
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cache := NewCache(st)

	require.NoError(t, st.SaveApp(ctx, &types.App{Owner: "o", App: "a", CreatedAt: 2}))
	require.NoError(t, st.SaveApp(ctx, &types.App{Owner: "o", App: "b", CreatedAt: 1}))
	require.NoError(t, st.SaveApp(ctx, &types.App{Owner: "o", App: "c", Deleted: true}))
	require.NoError(t, st.SavePermission(ctx, &types.Permission{ID: "p", Owner: "o", App: "a", Perm: "connect", Value: types.PermAllow}))
	_, err := st.AddPending(ctx, &types.PendingRequest{ID: "r", Owner: "o", App: "a", Method: "ping"})
	require.NoError(t, err)

	assert.False(t, cache.Connected("o", "a"))
	require.NoError(t, cache.Reload(ctx))

	assert.True(t, cache.Connected("o", "a"))
	assert.False(t, cache.Connected("o", "c"))
	_, ok := cache.App("o", "c")
	assert.True(t, ok)

	apps := cache.Apps("o")
	require.Len(t, apps, 2)
	assert.Equal(t, "b", apps[0].App)
	assert.Len(t, cache.AllApps("o"), 3)

	assert.Len(t, cache.Permissions("o", "a"), 1)
	assert.Len(t, cache.OwnerPermissions("o"), 1)
	assert.Len(t, cache.Pending("o"), 1)
	assert.Empty(t, cache.Pending("other"))

	// returned records are copies
	apps[0].Name = "mutated"
	a, _ := cache.App("o", "b")
	assert.Empty(t, a.Name)
}
