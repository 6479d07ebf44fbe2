package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 0)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entry must expire after its TTL")
}

func TestMemoryDelete(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 0)
	c.Delete(ctx, "k")
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryKeysPrefix(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.Set(ctx, "order:1", []byte("a"), 0)
	c.Set(ctx, "order:2", []byte("b"), 0)
	c.Set(ctx, "ticker:BTC", []byte("c"), 0)
	c.Set(ctx, "order:expired", []byte("d"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	keys := c.Keys(ctx, "order:")
	assert.ElementsMatch(t, []string{"order:1", "order:2"}, keys)
}

func TestValueCopiedOnSet(t *testing.T) {
	c := New()
	ctx := context.Background()

	buf := []byte("original")
	c.Set(ctx, "k", buf, 0)
	buf[0] = 'X'

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("original"), got, "cache must not alias caller buffers")
}

func TestNewAutoFallsBackToMemory(t *testing.T) {
	c := NewAuto("")
	_, isMem := c.(*memory)
	assert.True(t, isMem)
}
