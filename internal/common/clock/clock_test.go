package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowMSMonotonic(t *testing.T) {
	prev := NowMS()
	for i := 0; i < 1000; i++ {
		now := NowMS()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Len(t, id, 36)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
