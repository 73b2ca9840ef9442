package correlate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindResolveRelease(t *testing.T) {
	for name, c := range map[string]*Correlator{
		"sharded": New(),
		"ttl":     New(WithTTL(time.Minute, 100)),
	} {
		t.Run(name, func(t *testing.T) {
			c.Bind("flow-1", "sid-1")
			c.Bind("flow-2", "sid-2")

			sid, ok := c.Resolve("flow-1")
			require.True(t, ok)
			assert.Equal(t, "sid-1", sid)
			assert.Equal(t, 2, c.Len())

			sid, ok = c.Take("flow-2")
			require.True(t, ok)
			assert.Equal(t, "sid-2", sid)
			_, ok = c.Resolve("flow-2")
			assert.False(t, ok, "taken binding is gone")

			c.Release("flow-1")
			c.Release("never-bound")
			_, ok = c.Take("flow-1")
			assert.False(t, ok)
			assert.Equal(t, 0, c.Len())
		})
	}
}

func TestBindReplaces(t *testing.T) {
	c := New()
	c.Bind("f", "a")
	c.Bind("f", "b")
	sid, _ := c.Resolve("f")
	assert.Equal(t, "b", sid)
	assert.Equal(t, 1, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	c := New(WithTTL(30*time.Millisecond, 10))
	c.Bind("f", "sid")
	assert.Eventually(t, func() bool {
		_, ok := c.Resolve("f")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTTLSizeBound(t *testing.T) {
	c := New(WithTTL(time.Minute, 2))
	c.Bind("a", "1")
	c.Bind("b", "2")
	c.Bind("c", "3")
	assert.Equal(t, 2, c.Len())
	_, ok := c.Resolve("a")
	assert.False(t, ok, "oldest binding evicted")
}

func TestConcurrentFlows(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flow := fmt.Sprintf("flow-%d", i)
			sid := fmt.Sprintf("sid-%d", i)
			c.Bind(flow, sid)
			got, ok := c.Take(flow)
			assert.True(t, ok)
			assert.Equal(t, sid, got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.Len())
}

func TestTakeIsExclusive(t *testing.T) {
	c := New()
	c.Bind("f", "sid")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Take("f"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
