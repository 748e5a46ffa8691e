package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsOrderIndependentOverParams(t *testing.T) {
	a := Key("select 1", map[string]string{"b": "2", "a": "1"})
	b := Key("select 1", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)

	c := Key("select 1", map[string]string{"a": "1", "b": "3"})
	assert.NotEqual(t, a, c)
}

func TestGetSetVersionMismatchIsMiss(t *testing.T) {
	c := New(0, time.Minute)
	key := Key("select 1", nil)
	c.Set(key, "v1", 42)

	v, ok := c.Get(key, "v1")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get(key, "v2")
	assert.False(t, ok)

	// the version mismatch evicted the stale entry
	_, ok = c.Get(key, "v1")
	assert.False(t, ok)
}

func TestGetExpiredIsMiss(t *testing.T) {
	c := New(0, 10*time.Millisecond)
	key := Key("select 1", nil)
	c.Set(key, "v1", "value")
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get(key, "v1")
	assert.False(t, ok)
}

func TestSetEvictsOldestTenPercentAtCapacity(t *testing.T) {
	c := New(10, time.Minute)
	for i := 0; i < 10; i++ {
		c.Set(Key("q", map[string]string{"i": string(rune('a' + i))}), "v1", i)
	}
	require.Equal(t, 10, c.Len())

	// one more insertion triggers the oldest-10% sweep (minimum 1 entry).
	c.Set(Key("q", map[string]string{"i": "z"}), "v1", 10)
	assert.LessOrEqual(t, c.Len(), 10)

	_, ok := c.Get(Key("q", map[string]string{"i": "a"}), "v1")
	assert.False(t, ok, "oldest entry should have been evicted")
}
