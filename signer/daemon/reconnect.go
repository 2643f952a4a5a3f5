package daemon

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultInitialBackoff is the delay before the first restart of a session
	DefaultInitialBackoff = 1 * time.Second
	// DefaultMaxBackoff caps the restart delay
	DefaultMaxBackoff = 60 * time.Second
)

// reconnector hands out the doubling restart delays of one session
type reconnector struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

func newReconnector(initial, max time.Duration) *reconnector {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &reconnector{b: b}
}

// Next returns the delay before the next restart
func (r *reconnector) Next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.b.NextBackOff()
}

// Reset starts the delays over after a successful connection
func (r *reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.b.Reset()
}
