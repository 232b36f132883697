package rwdns

import (
	"expvar"
	"math"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Cache stores upstream responses in memory for up to the lowest TTL of
// their records. It is safe for concurrent use.
type Cache struct {
	opt     CacheOptions
	id      string
	mu      sync.Mutex
	lru     *lruCache
	metrics *CacheMetrics

	closeOnce sync.Once
	done      chan struct{}
}

type CacheMetrics struct {
	// Cache hit count.
	hit *expvar.Int
	// Cache miss count.
	miss *expvar.Int
	// Number of times the cache was reset.
	flush *expvar.Int
	// Current cache entry count.
	entries *expvar.Int
}

type CacheOptions struct {
	// Time period the cache garbage collection runs. Defaults to one minute if set to 0.
	GCPeriod time.Duration

	// Max number of responses to keep in the cache. Defaults to 0 which means no limit. If
	// the limit is reached, the least-recently used entry is removed from the cache.
	Capacity int

	// TTL to use for negative responses that do not have an SOA record, default 60
	NegativeTTL uint32
}

// NewCache returns a new, empty cache and starts its garbage collection.
func NewCache(id string, opt CacheOptions) *Cache {
	if opt.GCPeriod == 0 {
		opt.GCPeriod = time.Minute
	}
	if opt.NegativeTTL == 0 {
		opt.NegativeTTL = 60
	}
	c := &Cache{
		opt: opt,
		id:  id,
		lru: newLRUCache(opt.Capacity),
		metrics: &CacheMetrics{
			hit:     getVarInt("cache", id, "hit"),
			miss:    getVarInt("cache", id, "miss"),
			flush:   getVarInt("cache", id, "flush"),
			entries: getVarInt("cache", id, "entries"),
		},
		done: make(chan struct{}),
	}
	go c.startGC(opt.GCPeriod)
	return c
}

// Lookup returns a copy of the cached answer for a query with the TTLs
// reduced by the time spent in the cache. Expired entries are evicted and
// reported as a miss.
func (c *Cache) Lookup(q *dns.Msg) (*dns.Msg, bool) {
	if len(q.Question) != 1 {
		return nil, false
	}
	var (
		answer    *dns.Msg
		timestamp time.Time
		expiry    time.Time
	)
	c.mu.Lock()
	if a := c.lru.get(q); a != nil {
		answer = a.Msg.Copy()
		timestamp = a.timestamp
		expiry = a.expiry
	}
	c.mu.Unlock()

	// Return a cache-miss if there's no answer record in the map
	if answer == nil {
		c.metrics.miss.Add(1)
		return nil, false
	}

	now := time.Now()
	if !now.Before(expiry) {
		c.evict(q)
		c.metrics.miss.Add(1)
		return nil, false
	}
	answer.Id = q.Id

	// Calculate the time the record spent in the cache. We need to
	// subtract that from the TTL of each answer record. OPT records have a
	// TTL of 0 and are ignored.
	age := uint32(now.Sub(timestamp).Seconds())
	for _, rr := range [][]dns.RR{answer.Answer, answer.Ns, answer.Extra} {
		for _, a := range rr {
			if _, ok := a.(*dns.OPT); ok {
				continue
			}
			h := a.Header()
			if age >= h.Ttl {
				h.Ttl = 0
				continue
			}
			h.Ttl -= age
		}
	}
	c.metrics.hit.Add(1)
	return answer, true
}

// Store puts the answer for a query into the cache. Only successful and
// NXDOMAIN responses are stored, never failures or truncated responses.
func (c *Cache) Store(q, a *dns.Msg) {
	if len(q.Question) != 1 || a == nil || a.Truncated {
		return
	}
	now := time.Now()
	item := &cacheAnswer{Msg: a.Copy(), timestamp: now}

	min, ok := minTTL(a)
	switch a.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		if !ok {
			min = c.opt.NegativeTTL
		}
	default:
		return
	}
	if min == 0 {
		return
	}
	item.expiry = now.Add(time.Duration(min) * time.Second)

	c.mu.Lock()
	c.lru.add(q, item)
	c.mu.Unlock()
}

// Flush resets the cache to empty.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.lru.reset()
	c.mu.Unlock()
	c.metrics.flush.Add(1)
	c.metrics.entries.Set(0)
}

// Size returns the number of entries, including expired ones not yet collected.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.size()
}

// Close stops the garbage collection.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Cache) evict(queries ...*dns.Msg) {
	c.mu.Lock()
	for _, query := range queries {
		c.lru.delete(query)
	}
	c.mu.Unlock()
}

// Runs every period and evicts all expired items from the cache.
func (c *Cache) startGC(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		now := time.Now()
		var total, removed int
		c.mu.Lock()
		c.lru.deleteFunc(func(a *cacheAnswer) bool {
			if !now.Before(a.expiry) {
				removed++
				return true
			}
			return false
		})
		total = c.lru.size()
		c.mu.Unlock()

		c.metrics.entries.Set(int64(total))
		Log.WithFields(logrus.Fields{"id": c.id, "total": total, "removed": removed}).Trace("cache garbage collection")
	}
}

// Find the lowest TTL in all resource records (except OPT).
func minTTL(answer *dns.Msg) (uint32, bool) {
	var (
		min   uint32 = math.MaxUint32
		found bool
	)
	for _, rr := range [][]dns.RR{answer.Answer, answer.Ns, answer.Extra} {
		for _, a := range rr {
			if _, ok := a.(*dns.OPT); ok {
				continue
			}
			h := a.Header()
			if h.Ttl < min {
				min = h.Ttl
				found = true
			}
		}
	}
	return min, found
}
