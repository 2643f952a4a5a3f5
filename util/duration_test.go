package util

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration(t *testing.T) {
	tt := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "string", input: `"10m"`, expected: 10 * time.Minute},
		{name: "nanoseconds", input: `1500`, expected: 1500 * time.Nanosecond},
		{name: "invalid string", input: `"ten minutes"`, wantErr: true},
		{name: "invalid type", input: `true`, wantErr: true},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tc.input), &d)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, d.Duration)
		})
	}

	bs, err := json.Marshal(Duration{Duration: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(bs))
}
