// Package relaytest provides an in-memory relay network for tests.
package relaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keybunker/keybunker/relay/client"
)

// Hub is a relay network shared by every connection it hands out.
// Replaceable events (kinds 30000-39999) keep only the newest version per author, kind and d tag.
type Hub struct {
	mu        sync.Mutex
	events    []*nostr.Event
	subs      map[*subscription]struct{}
	conns     map[*conn]struct{}
	offline   bool
	published []nostr.Event
	connects  int
}

type subscription struct {
	filter nostr.Filter
	ch     chan *nostr.Event
	done   <-chan struct{}
}

// NewHub creates an empty network
func NewHub() *Hub {
	return &Hub{
		subs:  make(map[*subscription]struct{}),
		conns: make(map[*conn]struct{}),
	}
}

// Connect implements client.Transport
func (h *Hub) Connect(ctx context.Context, url string) (client.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connects++
	if h.offline {
		return nil, fmt.Errorf("relay %s unreachable", url)
	}
	c := &conn{hub: h, url: url, done: make(chan struct{})}
	h.conns[c] = struct{}{}
	return c, nil
}

// SetOffline makes new connection attempts fail
func (h *Hub) SetOffline(offline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = offline
}

// DropAll closes every live connection
func (h *Hub) DropAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.closeOnce.Do(func() { close(c.done) })
	}
}

// Connects returns the number of connection attempts
func (h *Hub) Connects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

// Inject publishes ev as if it came from another client
func (h *Hub) Inject(ev nostr.Event) {
	h.publish(ev, false)
}

// Published returns events published through hub connections, in order
func (h *Hub) Published() []nostr.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]nostr.Event(nil), h.published...)
}

// Stored returns stored events matching filter
func (h *Hub) Stored(filter nostr.Filter) []*nostr.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*nostr.Event
	for _, ev := range h.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) publish(ev nostr.Event, record bool) {
	h.mu.Lock()
	if record {
		h.published = append(h.published, ev)
	}
	stored := ev
	if ev.Kind >= 30000 && ev.Kind < 40000 {
		d := dTag(&ev)
		kept := h.events[:0]
		for _, e := range h.events {
			if e.Kind == ev.Kind && e.PubKey == ev.PubKey && dTag(e) == d {
				continue
			}
			kept = append(kept, e)
		}
		h.events = kept
	}
	h.events = append(h.events, &stored)

	var targets []*subscription
	for s := range h.subs {
		if s.filter.Matches(&stored) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		cp := stored
		select {
		case s.ch <- &cp:
		case <-s.done:
		}
	}
}

func dTag(ev *nostr.Event) string {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == "d" {
			return t[1]
		}
	}
	return ""
}

type conn struct {
	hub       *Hub
	url       string
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) URL() string {
	return c.url
}

func (c *conn) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{filter: filter, ch: make(chan *nostr.Event, 64), done: ctx.Done()}

	c.hub.mu.Lock()
	c.hub.subs[s] = struct{}{}
	var backlog []*nostr.Event
	for _, ev := range c.hub.events {
		if filter.Matches(ev) {
			cp := *ev
			backlog = append(backlog, &cp)
		}
	}
	c.hub.mu.Unlock()

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer cancel()
		defer func() {
			c.hub.mu.Lock()
			delete(c.hub.subs, s)
			c.hub.mu.Unlock()
		}()
		for _, ev := range backlog {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
		for {
			select {
			case ev := <-s.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-c.done:
					return
				}
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

func (c *conn) Publish(_ context.Context, ev nostr.Event) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}
	c.hub.publish(ev, true)
	return nil
}

func (c *conn) Query(_ context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return c.hub.Stored(filter), nil
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Close() error {
	c.hub.mu.Lock()
	delete(c.hub.conns, c)
	c.hub.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
