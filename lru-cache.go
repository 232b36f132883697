package rwdns

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

type lruCache struct {
	maxItems   int
	items      map[dns.Question]*cacheItem
	head, tail *cacheItem
}

type cacheItem struct {
	key dns.Question
	*cacheAnswer
	prev, next *cacheItem
}

type cacheAnswer struct {
	timestamp time.Time // Time the record was cached. Needed to adjust TTL
	expiry    time.Time // Time the record expires and must no longer be served
	*dns.Msg
}

func newLRUCache(capacity int) *lruCache {
	c := &lruCache{maxItems: capacity}
	c.reset()
	return c
}

// Cache key for a query. Names are case-insensitive.
func lruKey(q *dns.Msg) dns.Question {
	question := q.Question[0]
	question.Name = strings.ToLower(question.Name)
	return question
}

func (c *lruCache) add(query *dns.Msg, answer *cacheAnswer) {
	key := lruKey(query)
	if item := c.touch(key); item != nil {
		item.cacheAnswer = answer
		return
	}
	// Add new item to the top of the linked list
	item := &cacheItem{
		key:         key,
		cacheAnswer: answer,
		next:        c.head.next,
		prev:        c.head,
	}
	c.head.next.prev = item
	c.head.next = item
	c.items[key] = item
	c.resize()
}

// Loads a cache item and puts it to the top of the queue (most recent).
func (c *lruCache) touch(key dns.Question) *cacheItem {
	item := c.items[key]
	if item == nil {
		return nil
	}
	// move the item to the top of the linked list
	item.prev.next = item.next
	item.next.prev = item.prev
	item.next = c.head.next
	item.prev = c.head
	c.head.next.prev = item
	c.head.next = item
	return item
}

func (c *lruCache) delete(query *dns.Msg) {
	item := c.items[lruKey(query)]
	if item == nil {
		return
	}
	c.unlink(item)
}

func (c *lruCache) get(query *dns.Msg) *cacheAnswer {
	item := c.touch(lruKey(query))
	if item != nil {
		return item.cacheAnswer
	}
	return nil
}

func (c *lruCache) unlink(item *cacheItem) {
	item.prev.next = item.next
	item.next.prev = item.prev
	delete(c.items, item.key)
}

// Shrink the cache down to the maximum number of itmes.
func (c *lruCache) resize() {
	if c.maxItems <= 0 { // no size limit
		return
	}
	drop := len(c.items) - c.maxItems
	for i := 0; i < drop; i++ {
		c.unlink(c.tail.prev)
	}
}

// Iterate over the cached answers and call the provided function. If it
// returns true, the item is deleted from the cache.
func (c *lruCache) deleteFunc(f func(*cacheAnswer) bool) {
	item := c.head.next
	for item != c.tail {
		next := item.next
		if f(item.cacheAnswer) {
			c.unlink(item)
		}
		item = next
	}
}

// Drop all items. Replaces the map and list rather than walking them.
func (c *lruCache) reset() {
	head := new(cacheItem)
	tail := new(cacheItem)
	head.next = tail
	tail.prev = head
	c.items = make(map[dns.Question]*cacheItem)
	c.head = head
	c.tail = tail
}

func (c *lruCache) size() int {
	return len(c.items)
}
