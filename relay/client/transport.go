package client

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is a live connection to a single relay
type Conn interface {
	URL() string
	// Subscribe streams events matching filter until ctx is done or the connection drops
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error)
	Publish(ctx context.Context, ev nostr.Event) error
	// Query returns stored events matching filter
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	// Done is closed when the connection drops
	Done() <-chan struct{}
	Close() error
}

// Transport opens relay connections
type Transport interface {
	Connect(ctx context.Context, url string) (Conn, error)
}

// NostrTransport connects to relays over websockets
type NostrTransport struct{}

func (NostrTransport) Connect(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: relay}, nil
}

type nostrConn struct {
	relay *nostr.Relay
}

func (c *nostrConn) URL() string {
	return c.relay.URL
}

func (c *nostrConn) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error) {
	sub, err := c.relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, err
	}

	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer sub.Unsub()
		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			case <-c.relay.Context().Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.relay.Publish(ctx, ev)
}

func (c *nostrConn) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return c.relay.QuerySync(ctx, filter)
}

func (c *nostrConn) Done() <-chan struct{} {
	return c.relay.Context().Done()
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}
