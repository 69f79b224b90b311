package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayDoubles(t *testing.T) {
	p := New(2*time.Second, 5)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 2*time.Second, p.Delay(0))
}

func TestDelayNeverOverflows(t *testing.T) {
	p := New(time.Second, 100)
	assert.Positive(t, p.Delay(100))
	assert.GreaterOrEqual(t, p.Delay(64), p.Delay(63))
}

func TestAllowedStopsAtCap(t *testing.T) {
	p := New(time.Second, 3)
	assert.False(t, p.Allowed(0))
	assert.True(t, p.Allowed(1))
	assert.True(t, p.Allowed(3))
	assert.False(t, p.Allowed(4))
}
