package dispatch

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// cacheClock drives continuation cache time in tests.
type cacheClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *cacheClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *cacheClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(ttl time.Duration, maxEntries int) (*ContinuationCache, *cacheClock) {
	clock := &cacheClock{now: time.Unix(1000, 0)}
	c := NewContinuationCache(ttl, maxEntries)
	c.now = clock.Now
	return c, clock
}

func TestContinuationCache_StoreAndRetrieve(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute, 10)
	payload := []byte(`{"result":"full data"}`)

	id := c.Store("batch1", 0, payload)
	require.True(t, strings.HasPrefix(id, ContinuationIDPrefix))
	require.Contains(t, id, "batch1_0_")

	cont := c.Retrieve(id, 0, 0)
	require.True(t, cont.Found)
	require.True(t, cont.Complete)
	require.False(t, cont.HasMore)
	require.Equal(t, len(payload), cont.TotalSize)
	require.True(t, bytes.Equal(payload, cont.Data))
}

func TestContinuationCache_WindowedRetrieval(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute, 10)
	payload := []byte("0123456789")
	id := c.Store("b", 1, payload)

	first := c.Retrieve(id, 0, 4)
	require.True(t, first.Found)
	require.Equal(t, []byte("0123"), first.Data)
	require.True(t, first.HasMore)
	require.False(t, first.Complete)
	require.Equal(t, 10, first.TotalSize)

	second := c.Retrieve(id, 4, 4)
	require.Equal(t, []byte("4567"), second.Data)
	require.True(t, second.HasMore)
	require.Equal(t, 4, second.Offset)

	last := c.Retrieve(id, 8, 4)
	require.Equal(t, []byte("89"), last.Data)
	require.False(t, last.HasMore)
	require.False(t, last.Complete, "a partial window never reports complete")

	past := c.Retrieve(id, 100, 4)
	require.True(t, past.Found)
	require.Empty(t, past.Data)
	require.False(t, past.HasMore)
}

func TestContinuationCache_UnknownID(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute, 10)
	cont := c.Retrieve("cont_nope", 0, 0)
	require.False(t, cont.Found)
}

func TestContinuationCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(time.Minute, 10)
	id := c.Store("b", 0, []byte("data"))

	clock.Advance(59 * time.Second)
	require.True(t, c.Retrieve(id, 0, 0).Found)

	clock.Advance(2 * time.Second)
	require.False(t, c.Retrieve(id, 0, 0).Found)
	require.Zero(t, c.Len())
}

func TestContinuationCache_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(time.Hour, 2)

	first := c.Store("b", 0, []byte("one"))
	clock.Advance(time.Second)
	second := c.Store("b", 1, []byte("two"))
	clock.Advance(time.Second)
	third := c.Store("b", 2, []byte("three"))

	require.False(t, c.Retrieve(first, 0, 0).Found, "oldest entry evicted")
	require.True(t, c.Retrieve(second, 0, 0).Found)
	require.True(t, c.Retrieve(third, 0, 0).Found)
}

func TestContinuationCache_Delete(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute, 10)
	id := c.Store("b", 0, []byte("data"))

	require.True(t, c.Delete(id))
	require.False(t, c.Delete(id), "second delete reports missing")
	require.False(t, c.Retrieve(id, 0, 0).Found)
}

func TestContinuationCache_LimitClamped(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute, 10)
	id := c.Store("b", 0, []byte("payload"))

	// Negative offsets and limits fall back to sane values.
	cont := c.Retrieve(id, -5, -1)
	require.True(t, cont.Found)
	require.True(t, cont.Complete)
	require.Equal(t, []byte("payload"), cont.Data)
}
