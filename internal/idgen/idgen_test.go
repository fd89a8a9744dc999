package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_SortableByTime(t *testing.T) {
	a := NewAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewAt(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Less(t, a, b)
	assert.Len(t, a, 26)
}

func TestNew_UniqueWithinMillisecond(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewAt(now)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("txn_")
	assert.True(t, strings.HasPrefix(id, "txn_"))
}

func TestHash_Deterministic(t *testing.T) {
	assert.Equal(t, Hash("tenant-1", "place-1"), Hash("tenant-1", "place-1"))
	assert.NotEqual(t, Hash("tenant-1", "place-1"), Hash("tenant-2", "place-1"))
	assert.Len(t, Hash("x"), 64)
}
