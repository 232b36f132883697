package rwdns

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestCacheControllerClear(t *testing.T) {
	server := startTestServer(t, func(q *dns.Msg) *dns.Msg {
		return answerA(q, net.IP{1, 2, 3, 4}, 3600)
	})
	upstream := NewUpstream("test-cache-control", testNameservers{{Addr: server.addr, Timeout: testTimeout}}, UpstreamOptions{})
	defer upstream.Close()
	r := NewCacheController(upstream, true)

	// Every query finds an empty cache and goes upstream
	q := testQuery("test.com.", dns.TypeA)
	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), q)
		require.NoError(t, err)
	}
	require.Equal(t, 2, server.Hits())
}

func TestCacheControllerKeep(t *testing.T) {
	server := startTestServer(t, func(q *dns.Msg) *dns.Msg {
		return answerA(q, net.IP{1, 2, 3, 4}, 3600)
	})
	upstream := NewUpstream("test-cache-control-keep", testNameservers{{Addr: server.addr, Timeout: testTimeout}}, UpstreamOptions{})
	defer upstream.Close()
	r := NewCacheController(upstream, false)

	q := testQuery("test.com.", dns.TypeA)
	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), q)
		require.NoError(t, err)
	}
	require.Equal(t, 1, server.Hits())
}

func TestCacheControllerClearConcurrent(t *testing.T) {
	server := startTestServer(t, func(q *dns.Msg) *dns.Msg {
		return answerA(q, net.IP{1, 2, 3, 4}, 3600)
	})
	upstream := NewUpstream("test-cache-control-concurrent", testNameservers{{Addr: server.addr, Timeout: time.Second}}, UpstreamOptions{})
	defer upstream.Close()
	r := NewCacheController(upstream, true)

	// Answers stored by one query must never be served to another one
	// that is running at the same time
	const queries = 100
	var wg sync.WaitGroup
	errs := make(chan error, queries)
	for i := 0; i < queries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), testQuery("test.com.", dns.TypeA)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(0), upstream.cache.metrics.hit.Value())
	require.Equal(t, queries, server.Hits())
}
