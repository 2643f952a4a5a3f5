package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
	fetchTimeout   = 10 * time.Second
	seenTTL        = 10 * time.Minute
)

// Session is the relay connection pool of one key.
// OnConnected fires on every successful relay connection, OnDisconnected when the last live connection drops.
type Session struct {
	log       *log.Entry
	ctx       context.Context
	ctxCancel context.CancelFunc
	transport Transport
	urls      []string

	connsMu sync.RWMutex
	conns   map[string]Conn
	closed  bool

	listenerMu     sync.Mutex
	onConnected    func()
	onDisconnected func()

	wg sync.WaitGroup
}

// NewSession creates a session for owner over the given relays
func NewSession(ctx context.Context, owner string, urls []string, transport Transport) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		log:       log.WithField("owner", owner),
		ctx:       ctx,
		ctxCancel: cancel,
		transport: transport,
		urls:      urls,
		conns:     make(map[string]Conn),
	}
}

// SetListeners registers connection state callbacks. Callbacks run on session goroutines and must not block.
func (s *Session) SetListeners(onConnected, onDisconnected func()) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onConnected = onConnected
	s.onDisconnected = onDisconnected
}

// Start connects to every relay concurrently. It fails only when no relay could be reached.
func (s *Session) Start() error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs *multierror.Error

	for _, url := range s.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if err := s.connect(url); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", url, err))
				mu.Unlock()
			}
		}(url)
	}
	wg.Wait()

	if s.ConnectedCount() == 0 {
		s.notifyDisconnected()
		if errs == nil {
			return fmt.Errorf("no relays configured")
		}
		return fmt.Errorf("failed to connect to any relay: %w", errs.ErrorOrNil())
	}
	if errs != nil {
		s.log.Warnf("some relays are unreachable: %v", errs.ErrorOrNil())
	}
	return nil
}

func (s *Session) connect(url string) error {
	ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
	defer cancel()

	conn, err := s.transport.Connect(ctx, url)
	if err != nil {
		return err
	}

	s.connsMu.Lock()
	if s.closed {
		s.connsMu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("session closed")
	}
	s.conns[url] = conn
	s.connsMu.Unlock()

	s.log.Debugf("connected to relay %s", url)
	s.notifyConnected()

	s.wg.Add(1)
	go s.watch(url, conn)
	return nil
}

func (s *Session) watch(url string, conn Conn) {
	defer s.wg.Done()

	select {
	case <-conn.Done():
	case <-s.ctx.Done():
		return
	}

	s.connsMu.Lock()
	if s.conns[url] == conn {
		delete(s.conns, url)
	}
	remaining := len(s.conns)
	closed := s.closed
	s.connsMu.Unlock()

	s.log.Infof("relay %s disconnected, %d relays left", url, remaining)
	if remaining == 0 && !closed {
		s.notifyDisconnected()
	}
}

func (s *Session) notifyConnected() {
	s.listenerMu.Lock()
	f := s.onConnected
	s.listenerMu.Unlock()
	if f != nil {
		f()
	}
}

func (s *Session) notifyDisconnected() {
	s.listenerMu.Lock()
	f := s.onDisconnected
	s.listenerMu.Unlock()
	if f != nil {
		f()
	}
}

// ConnectedCount returns the number of live relay connections
func (s *Session) ConnectedCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Session) liveConns() []Conn {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()

	conns := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Subscribe merges the matching streams of every live relay, dropping events already seen.
// The returned channel is closed when ctx is done or every relay stream ended.
func (s *Session) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error) {
	conns := s.liveConns()
	if len(conns) == 0 {
		return nil, fmt.Errorf("no relay connections")
	}

	seen := cache.New(seenTTL, seenTTL)
	out := make(chan *nostr.Event)
	var wg sync.WaitGroup
	subscribed := 0

	for _, conn := range conns {
		events, err := conn.Subscribe(ctx, filter)
		if err != nil {
			s.log.Warnf("failed to subscribe on relay %s: %v", conn.URL(), err)
			continue
		}
		subscribed++

		wg.Add(1)
		go func(events <-chan *nostr.Event) {
			defer wg.Done()
			for ev := range events {
				if seen.Add(ev.ID, struct{}{}, cache.DefaultExpiration) != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(events)
	}

	if subscribed == 0 {
		return nil, fmt.Errorf("failed to subscribe on any relay")
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Publish sends ev to every live relay and succeeds when at least one accepted it
func (s *Session) Publish(ctx context.Context, ev nostr.Event) error {
	conns := s.liveConns()
	if len(conns) == 0 {
		return fmt.Errorf("no relay connections")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs *multierror.Error
	accepted := 0

	for _, conn := range conns {
		wg.Add(1)
		go func(conn Conn) {
			defer wg.Done()
			err := conn.Publish(ctx, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", conn.URL(), err))
				return
			}
			accepted++
		}(conn)
	}
	wg.Wait()

	if accepted == 0 {
		return fmt.Errorf("no relay accepted event %s: %w", ev.ID, errs.ErrorOrNil())
	}
	return nil
}

// Fetch queries every live relay and returns the union of stored events, deduplicated by id
func (s *Session) Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	conns := s.liveConns()
	if len(conns) == 0 {
		return nil, fmt.Errorf("no relay connections")
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]struct{})
	var events []*nostr.Event
	failed := 0

	for _, conn := range conns {
		wg.Add(1)
		go func(conn Conn) {
			defer wg.Done()
			res, err := conn.Query(ctx, filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Debugf("query on relay %s failed: %v", conn.URL(), err)
				failed++
				return
			}
			for _, ev := range res {
				if _, ok := seen[ev.ID]; ok {
					continue
				}
				seen[ev.ID] = struct{}{}
				events = append(events, ev)
			}
		}(conn)
	}
	wg.Wait()

	if failed == len(conns) {
		return nil, fmt.Errorf("query failed on every relay")
	}
	return events, nil
}

// Close drops every relay connection. No listener fires after Close.
func (s *Session) Close() error {
	s.connsMu.Lock()
	if s.closed {
		s.connsMu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.conns
	s.conns = make(map[string]Conn)
	s.connsMu.Unlock()

	s.ctxCancel()

	var errs *multierror.Error
	for url, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	s.wg.Wait()
	return errs.ErrorOrNil()
}
