package permission

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybunker/keybunker/signer/notify"
	"github.com/keybunker/keybunker/signer/status"
	"github.com/keybunker/keybunker/signer/store"
	"github.com/keybunker/keybunker/signer/types"
)

// flakyStore fails the next transaction once and can hold AddPending until released
type flakyStore struct {
	store.Store
	failTx  atomic.Bool
	added   chan struct{}
	release chan struct{}
}

func (s *flakyStore) ExecuteInTransaction(ctx context.Context, f func(store.Store) error) error {
	if s.failTx.CompareAndSwap(true, false) {
		return status.Errorf(status.Internal, "database is locked")
	}
	return s.Store.ExecuteInTransaction(ctx, f)
}

func (s *flakyStore) AddPending(ctx context.Context, req *types.PendingRequest) (bool, error) {
	if s.release != nil {
		s.added <- struct{}{}
		<-s.release
	}
	return s.Store.AddPending(ctx, req)
}

func newFlakyEngine(t *testing.T, fs *flakyStore) (*Engine, *Manager, *notify.Manager) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSqliteStore(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close(ctx)
	})
	fs.Store = st

	cache := store.NewCache(fs)
	require.NoError(t, cache.Reload(ctx))

	notifier := notify.NewManager(nil)
	m := NewManager(fs, cache, notifier, clockwork.NewFakeClockAt(time.Unix(1700000000, 0)))
	return NewEngine(testOwner, m, testMethods, 0, nil), m, notifier
}

func newTestEngine(t *testing.T, ttl time.Duration) (*Engine, *Manager, *clockwork.FakeClock) {
	t.Helper()
	m, clock := newTestManager(t)
	return NewEngine(testOwner, m, testMethods, ttl, nil), m, clock
}

func receive(t *testing.T, ch <-chan types.Decision) types.Decision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("no decision received")
		return types.DecisionAsk
	}
}

func TestEngine_ClassifyOnce(t *testing.T) {
	ctx := context.Background()
	e, m, _ := newTestEngine(t, 0)
	connectTestApp(t, m, testApp)
	require.NoError(t, m.SavePermissions(ctx, testOwner, testApp, []string{"sign_event:1"}, true))

	d, err := e.Classify(ctx, signRequest("1", 1))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllow, d)

	d, err = e.Classify(ctx, signRequest("1", 1))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionIgnore, d, "re-delivered request")
}

func TestEngine_EnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	e, m, _ := newTestEngine(t, 0)

	ch, err := e.Enqueue(ctx, signRequest("1", 1))
	require.NoError(t, err)
	require.NotNil(t, ch)

	dup, err := e.Enqueue(ctx, signRequest("1", 1))
	require.NoError(t, err)
	assert.Nil(t, dup)

	assert.True(t, e.IsPending("1"))
	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "1", pending[0].ID)
	assert.NotZero(t, pending[0].CreatedAt)

	all, err := m.Store().GetAllPending(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_Confirm(t *testing.T) {
	ctx := context.Background()
	e, m, _ := newTestEngine(t, 0)
	connectTestApp(t, m, testApp)

	ch, err := e.Enqueue(ctx, signRequest("1", 1))
	require.NoError(t, err)

	err = e.Confirm(ctx, "missing", true, false, nil)
	assert.True(t, status.IsType(err, status.NotFound))

	require.NoError(t, e.Confirm(ctx, "1", false, false, nil))
	assert.Equal(t, types.DecisionDisallow, receive(t, ch))
	assert.False(t, e.IsPending("1"))
	assert.Empty(t, e.Pending())
	assert.Empty(t, m.Permissions(testOwner), "nothing is remembered")

	history, err := m.History(ctx, testOwner, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "1", history[0].ID)
	assert.False(t, history[0].Allowed)

	err = e.Confirm(ctx, "1", true, false, nil)
	assert.True(t, status.IsType(err, status.NotFound), "a request is decided once")
}

func TestEngine_ConfirmConnect(t *testing.T) {
	ctx := context.Background()
	e, m, _ := newTestEngine(t, 0)

	req := &types.PendingRequest{ID: "c1", Owner: testOwner, App: testApp, Method: types.MethodConnect, Params: []string{testOwner}, AppName: "client"}
	d, err := e.Classify(ctx, req)
	require.NoError(t, err)
	require.Equal(t, types.DecisionAsk, d)

	ch, err := e.Enqueue(ctx, req)
	require.NoError(t, err)

	require.NoError(t, e.Confirm(ctx, "c1", true, true, []string{PackageBasic}))
	assert.Equal(t, types.DecisionAllow, receive(t, ch))
	assert.True(t, m.Cache().Connected(testOwner, testApp))

	d, err = e.Classify(ctx, signRequest("s1", 1))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAllow, d, "extra permissions are remembered with the decision")
}

func TestEngine_ConfirmRememberCascades(t *testing.T) {
	ctx := context.Background()
	e, m, _ := newTestEngine(t, 0)
	connectTestApp(t, m, testApp)
	connectTestApp(t, m, "other")

	first, err := e.Enqueue(ctx, signRequest("1", 1))
	require.NoError(t, err)
	second, err := e.Enqueue(ctx, signRequest("2", 1))
	require.NoError(t, err)
	differentKind, err := e.Enqueue(ctx, signRequest("3", 4))
	require.NoError(t, err)
	otherApp := signRequest("4", 1)
	otherApp.App = "other"
	_, err = e.Enqueue(ctx, otherApp)
	require.NoError(t, err)

	require.NoError(t, e.Confirm(ctx, "1", true, true, nil))
	assert.Equal(t, types.DecisionAllow, receive(t, first))
	assert.Equal(t, types.DecisionAllow, receive(t, second))

	select {
	case <-differentKind:
		t.Fatal("a request with another key stays pending")
	default:
	}
	assert.True(t, e.IsPending("3"))
	assert.True(t, e.IsPending("4"), "other apps are not affected")

	history, err := m.History(ctx, testOwner, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEngine_CascadeDeniedConnect(t *testing.T) {
	ctx := context.Background()
	e, m, _ := newTestEngine(t, 0)
	connectTestApp(t, m, testApp)

	sign, err := e.Enqueue(ctx, signRequest("1", 1))
	require.NoError(t, err)
	connect, err := e.Enqueue(ctx, &types.PendingRequest{ID: "2", Owner: testOwner, App: testApp, Method: types.MethodConnect})
	require.NoError(t, err)

	require.NoError(t, e.Confirm(ctx, "2", false, true, nil))
	assert.Equal(t, types.DecisionDisallow, receive(t, connect))
	assert.Equal(t, types.DecisionIgnore, receive(t, sign), "denied connect silences the app")

	history, err := m.History(ctx, testOwner, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	e, m, _ := newTestEngine(t, 0)

	ch, err := e.Enqueue(ctx, signRequest("1", 1))
	require.NoError(t, err)

	ok, err := e.Cancel(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.DecisionIgnore, receive(t, ch))

	ok, err = e.Cancel(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := m.History(ctx, testOwner, 10)
	require.NoError(t, err)
	assert.Empty(t, history, "cancelled requests are not recorded")
}

func TestEngine_Expire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, _, clock := newTestEngine(t, 30*time.Second)

	e.Start(ctx)
	ch, err := e.Enqueue(ctx, signRequest("1", 1))
	require.NoError(t, err)

	var got types.Decision
	require.Eventually(t, func() bool {
		clock.Advance(expirePeriod)
		select {
		case got = <-ch:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.DecisionIgnore, got)
	assert.Empty(t, e.Pending())
}

func TestEngine_StartPurgesStale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, m, _ := newTestEngine(t, 0)

	_, err := m.Store().AddPending(ctx, signRequest("stale", 1))
	require.NoError(t, err)
	other := signRequest("foreign", 1)
	other.Owner = "someone-else"
	_, err = m.Store().AddPending(ctx, other)
	require.NoError(t, err)
	require.NoError(t, m.Cache().ReloadPending(ctx))

	e.Start(ctx)
	assert.Empty(t, e.Pending())
	assert.Len(t, m.Cache().Pending("someone-else"), 1)
}

func TestEngine_Close(t *testing.T) {
	ctx := context.Background()
	e, m, _ := newTestEngine(t, 0)

	ch1, err := e.Enqueue(ctx, signRequest("1", 1))
	require.NoError(t, err)
	ch2, err := e.Enqueue(ctx, signRequest("2", 1))
	require.NoError(t, err)

	e.Close(ctx)
	assert.Equal(t, types.DecisionIgnore, receive(t, ch1))
	assert.Equal(t, types.DecisionIgnore, receive(t, ch2))

	all, err := m.Store().GetAllPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEngine_ClassifyRetryAfterError(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{}
	e, m, _ := newFlakyEngine(t, fs)

	token, err := m.CreateToken(ctx, testOwner, "", time.Minute)
	require.NoError(t, err)
	connect := &types.PendingRequest{ID: "1", Owner: testOwner, App: testApp, Method: types.MethodConnect, Params: []string{testOwner, token.Token}}

	fs.failTx.Store(true)
	d, err := e.Classify(ctx, connect.Copy())
	require.Error(t, err)
	assert.Equal(t, types.DecisionIgnore, d)

	d, err = e.Classify(ctx, connect.Copy())
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAsk, d, "a failed request can be retried with the same id")

	d, err = e.Classify(ctx, connect.Copy())
	require.NoError(t, err)
	assert.Equal(t, types.DecisionIgnore, d, "re-delivered request")
}

func TestEngine_EnqueueWritesBeforeVisible(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{added: make(chan struct{}), release: make(chan struct{})}
	e, m, notifier := newFlakyEngine(t, fs)
	updates := notifier.CreateChannel(testOwner)

	type result struct {
		ch  <-chan types.Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := e.Enqueue(ctx, signRequest("1", 1))
		done <- result{ch: ch, err: err}
	}()

	<-fs.added
	ok, err := e.Cancel(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok, "request is not visible before its row is written")
	assert.False(t, e.IsPending("1"))
	close(fs.release)

	res := <-done
	require.NoError(t, res.err)
	require.NotNil(t, res.ch)
	assert.True(t, e.IsPending("1"))

	all, err := m.Store().GetAllPending(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	select {
	case ev := <-updates:
		assert.Equal(t, notify.PendingAdded, ev.Type)
		assert.Equal(t, "1", ev.RequestID)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	ok, err = e.Cancel(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.DecisionIgnore, receive(t, res.ch))
}
