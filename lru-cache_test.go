package rwdns

import (
	"fmt"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestLRUAddGet(t *testing.T) {
	c := newLRUCache(5)

	type item struct {
		query  *dns.Msg
		answer *cacheAnswer
	}
	var items []item

	for i := 0; i < 10; i++ {
		msg := testQuery(fmt.Sprintf("test%d.com.", i), dns.TypeA)
		answer := &cacheAnswer{Msg: answerA(msg, net.IP{127, 0, 0, 1}, uint32(i))}
		items = append(items, item{
			query:  msg,
			answer: answer,
		})
		// Load into the cache
		c.add(msg, answer)
	}

	// Since the capacity is only 5 and we loaded 10, only the last 5 should be in there
	require.Equal(t, 5, c.size())

	// Check it's the right items in the cache
	for _, item := range items[:5] {
		answer := c.get(item.query)
		require.Nil(t, answer)
	}
	for _, item := range items[5:] {
		answer := c.get(item.query)
		require.NotNil(t, answer)
		require.Equal(t, item.answer, answer)
	}

	// Delete one of the items directly
	c.delete(items[5].query)
	require.Equal(t, 4, c.size())

	// Use an iterator to delete two more
	c.deleteFunc(func(a *cacheAnswer) bool {
		question := a.Msg.Question[0]
		return question.Name == "test8.com." || question.Name == "test9.com."
	})
	require.Equal(t, 2, c.size())

	// Reset drops everything and the cache is usable afterwards
	c.reset()
	require.Equal(t, 0, c.size())
	c.add(items[0].query, items[0].answer)
	require.Equal(t, items[0].answer, c.get(items[0].query))
}

func TestLRUReplaceAndEvictOrder(t *testing.T) {
	c := newLRUCache(2)

	a := testQuery("a.com.", dns.TypeA)
	b := testQuery("b.com.", dns.TypeA)
	d := testQuery("d.com.", dns.TypeA)
	c.add(a, &cacheAnswer{Msg: a})
	c.add(b, &cacheAnswer{Msg: b})

	// Touch a so b becomes the least recently used
	require.NotNil(t, c.get(a))
	c.add(d, &cacheAnswer{Msg: d})
	require.Nil(t, c.get(b))
	require.NotNil(t, c.get(a))
	require.NotNil(t, c.get(d))

	// Adding an existing key replaces the answer
	replacement := &cacheAnswer{Msg: a.Copy()}
	c.add(a, replacement)
	require.Equal(t, 2, c.size())
	require.Same(t, replacement, c.get(a))

	// Keys are case-insensitive
	require.NotNil(t, c.get(testQuery("A.COM.", dns.TypeA)))
}
