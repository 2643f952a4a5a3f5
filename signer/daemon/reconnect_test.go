package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnector(t *testing.T) {
	r := newReconnector(0, 0)

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		delays = append(delays, r.Next())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}, delays)

	r.Reset()
	assert.Equal(t, 1*time.Second, r.Next())
	assert.Equal(t, 2*time.Second, r.Next())
}
