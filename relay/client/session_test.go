package client_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keybunker/keybunker/relay/client"
	"github.com/keybunker/keybunker/relay/relaytest"
)

var relays = []string{"wss://one.example", "wss://two.example"}

func newEvent(id string, kind int) nostr.Event {
	return nostr.Event{ID: id, Kind: kind, PubKey: "pk", CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", "target"}}}
}

func TestSession_SubscribeDeduplicates(t *testing.T) {
	hub := relaytest.NewHub()
	s := client.NewSession(context.Background(), "owner", relays, hub)
	require.NoError(t, s.Start())
	defer s.Close()
	assert.Equal(t, 2, s.ConnectedCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := s.Subscribe(ctx, nostr.Filter{Kinds: []int{24133}})
	require.NoError(t, err)

	// both relays deliver the same event
	hub.Inject(newEvent("e1", 24133))
	hub.Inject(newEvent("e2", 1))
	hub.Inject(newEvent("e3", 24133))

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.ID)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.ElementsMatch(t, []string{"e1", "e3"}, got)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_PublishAndFetch(t *testing.T) {
	hub := relaytest.NewHub()
	s := client.NewSession(context.Background(), "owner", relays, hub)
	require.NoError(t, s.Start())
	defer s.Close()

	require.NoError(t, s.Publish(context.Background(), newEvent("e1", 1)))
	assert.Len(t, hub.Published(), 2, "sent to every relay")

	events, err := s.Fetch(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}

func TestSession_StartFailsWhenUnreachable(t *testing.T) {
	hub := relaytest.NewHub()
	hub.SetOffline(true)

	var disconnected atomic.Int32
	s := client.NewSession(context.Background(), "owner", relays, hub)
	s.SetListeners(nil, func() { disconnected.Add(1) })

	assert.Error(t, s.Start())
	assert.Equal(t, int32(1), disconnected.Load())

	assert.Error(t, s.Publish(context.Background(), newEvent("e1", 1)))
	_, err := s.Subscribe(context.Background(), nostr.Filter{})
	assert.Error(t, err)
	_, err = s.Fetch(context.Background(), nostr.Filter{})
	assert.Error(t, err)
}

func TestSession_ListenersOnDrop(t *testing.T) {
	hub := relaytest.NewHub()

	var connected, disconnected atomic.Int32
	s := client.NewSession(context.Background(), "owner", relays, hub)
	s.SetListeners(func() { connected.Add(1) }, func() { disconnected.Add(1) })
	require.NoError(t, s.Start())
	defer s.Close()

	assert.Equal(t, int32(2), connected.Load())

	hub.DropAll()
	require.Eventually(t, func() bool { return disconnected.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.ConnectedCount())
}

func TestSession_CloseSuppressesListeners(t *testing.T) {
	hub := relaytest.NewHub()

	var disconnected atomic.Int32
	s := client.NewSession(context.Background(), "owner", relays, hub)
	s.SetListeners(nil, func() { disconnected.Add(1) })
	require.NoError(t, s.Start())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), disconnected.Load())
}
