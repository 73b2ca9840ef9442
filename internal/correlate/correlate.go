// Package correlate binds in-flight flows to the vault session that holds
// their mappings, so a response is restored with exactly the mapping its
// request produced.
package correlate

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const shardCount = 32

type shard struct {
	mu sync.Mutex
	m  map[string]string
}

// Correlator maps flow ids to session ids. Operations on one flow are
// mutually exclusive; different flows only contend when they share a shard.
//
// By default bindings live until Release or Take. WithTTL switches to an
// expiring LRU for hosts that cannot guarantee a teardown call.
type Correlator struct {
	shards [shardCount]shard
	lru    *expirable.LRU[string, string]
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTTL expires bindings after ttl and keeps at most size of them.
func WithTTL(ttl time.Duration, size int) Option {
	return func(c *Correlator) {
		if ttl <= 0 {
			return
		}
		c.lru = expirable.NewLRU(size, func(flow, sid string) {
			slog.Debug("correlate: binding evicted", "flow", flow, "session", sid)
		}, ttl)
	}
}

// New creates a Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]string)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Correlator) shard(flow string) *shard {
	h := fnv.New32a()
	h.Write([]byte(flow))
	return &c.shards[h.Sum32()%shardCount]
}

// Bind associates flow with sid, replacing any previous binding.
func (c *Correlator) Bind(flow, sid string) {
	sh := c.shard(flow)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c.lru != nil {
		c.lru.Add(flow, sid)
		return
	}
	sh.m[flow] = sid
}

// Resolve returns the session bound to flow.
func (c *Correlator) Resolve(flow string) (string, bool) {
	sh := c.shard(flow)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c.lru != nil {
		return c.lru.Get(flow)
	}
	sid, ok := sh.m[flow]
	return sid, ok
}

// Take resolves and releases flow in one step.
func (c *Correlator) Take(flow string) (string, bool) {
	sh := c.shard(flow)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c.lru != nil {
		sid, ok := c.lru.Peek(flow)
		if ok {
			c.lru.Remove(flow)
		}
		return sid, ok
	}
	sid, ok := sh.m[flow]
	delete(sh.m, flow)
	return sid, ok
}

// Release drops the binding for flow. Releasing an unknown flow is a no-op.
func (c *Correlator) Release(flow string) {
	sh := c.shard(flow)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c.lru != nil {
		c.lru.Remove(flow)
		return
	}
	delete(sh.m, flow)
}

// Len returns the number of live bindings.
func (c *Correlator) Len() int {
	if c.lru != nil {
		return c.lru.Len()
	}
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
