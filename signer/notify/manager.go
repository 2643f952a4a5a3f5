package notify

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/signer/metrics"
)

const channelBufferSize = 100

type EventType string

const (
	PendingAdded   EventType = "pending_added"
	PendingRemoved EventType = "pending_removed"
	AppsChanged    EventType = "apps_changed"
	PermsChanged   EventType = "perms_changed"
	KeysChanged    EventType = "keys_changed"
)

// Event tells the confirmation UI that a part of an owner's state changed
type Event struct {
	Type      EventType `json:"type"`
	Owner     string    `json:"owner"`
	RequestID string    `json:"requestId,omitempty"`
	App       string    `json:"app,omitempty"`
}

// Manager fans out UI updates to every listener of an owner
type Manager struct {
	// channels holds the listeners indexed by owner public key
	channels    map[string]map[chan *Event]struct{}
	channelsMux sync.Mutex
	metrics     *metrics.AppMetrics
}

// NewManager returns a new instance of Manager
func NewManager(m *metrics.AppMetrics) *Manager {
	return &Manager{
		channels: make(map[string]map[chan *Event]struct{}),
		metrics:  m,
	}
}

// Send delivers ev to every listener of ev.Owner, dropping it for listeners whose buffer is full
func (m *Manager) Send(ev *Event) {
	m.channelsMux.Lock()
	defer m.channelsMux.Unlock()

	for channel := range m.channels[ev.Owner] {
		select {
		case channel <- ev:
		default:
			log.Warnf("update channel for %s is full, dropping %s", ev.Owner, ev.Type)
			m.metrics.CountDroppedUpdate(context.Background())
		}
	}
}

// CreateChannel registers a new listener for owner
func (m *Manager) CreateChannel(owner string) chan *Event {
	m.channelsMux.Lock()
	defer m.channelsMux.Unlock()

	channel := make(chan *Event, channelBufferSize)
	if m.channels[owner] == nil {
		m.channels[owner] = make(map[chan *Event]struct{})
	}
	m.channels[owner][channel] = struct{}{}

	log.Debugf("opened update channel for %s", owner)
	return channel
}

// CloseChannel unregisters and closes a listener
func (m *Manager) CloseChannel(owner string, channel chan *Event) {
	m.channelsMux.Lock()
	defer m.channelsMux.Unlock()

	listeners, ok := m.channels[owner]
	if !ok {
		return
	}
	if _, ok := listeners[channel]; !ok {
		return
	}
	delete(listeners, channel)
	close(channel)
	if len(listeners) == 0 {
		delete(m.channels, owner)
	}

	log.Debugf("closed update channel for %s", owner)
}

// HasListeners reports whether some UI is listening for owner
func (m *Manager) HasListeners(owner string) bool {
	m.channelsMux.Lock()
	defer m.channelsMux.Unlock()
	return len(m.channels[owner]) > 0
}
