package rwdns

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// TestResolver is a resolver for tests. It answers with ResolveFunc, or with
// an A record for 127.0.0.1 if that's not set, and counts the queries.
type TestResolver struct {
	ResolveFunc func(context.Context, *dns.Msg) (*dns.Msg, error)

	mu       sync.Mutex
	hitCount int
	queries  []*dns.Msg
}

var _ Resolver = &TestResolver{}

func (r *TestResolver) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	r.mu.Lock()
	r.hitCount++
	r.queries = append(r.queries, q.Copy())
	r.mu.Unlock()
	if r.ResolveFunc != nil {
		return r.ResolveFunc(ctx, q)
	}
	return answerA(q, net.IP{127, 0, 0, 1}, 3600), nil
}

func (r *TestResolver) HitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hitCount
}

// Queries returns copies of all queries received so far.
func (r *TestResolver) Queries() []*dns.Msg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*dns.Msg(nil), r.queries...)
}

func (r *TestResolver) String() string {
	return "TestResolver()"
}

// Builds an answer with one A record for the query name.
func answerA(q *dns.Msg, ip net.IP, ttl uint32) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			A: ip,
		},
	}
	return a
}

// testServer is a plain UDP DNS server on the loopback interface.
type testServer struct {
	addr string
	hits atomic.Int64
}

// Starts a DNS server that answers with the given function and is shut
// down when the test ends.
func startTestServer(t *testing.T, answer func(q *dns.Msg) *dns.Msg) *testServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{addr: pc.LocalAddr().String()}
	started := make(chan struct{})
	s := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, q *dns.Msg) {
			ts.hits.Add(1)
			if a := answer(q); a != nil {
				_ = w.WriteMsg(a)
			}
		}),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = s.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = s.Shutdown() })
	return ts
}

func (s *testServer) Hits() int {
	return int(s.hits.Load())
}

func (s *testServer) hostPort(t *testing.T) (string, int) {
	return splitHostPort(t, s.addr)
}

// blackhole is a UDP endpoint that reads and counts datagrams but never
// responds.
type blackhole struct {
	addr     string
	received atomic.Int64
}

func startBlackhole(t *testing.T) *blackhole {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &blackhole{addr: pc.LocalAddr().String()}
	go func() {
		buf := make([]byte, dns.MaxMsgSize)
		for {
			if _, _, err := pc.ReadFrom(buf); err != nil {
				return
			}
			b.received.Add(1)
		}
	}()
	t.Cleanup(func() { _ = pc.Close() })
	return b
}

func (b *blackhole) Received() int {
	return int(b.received.Load())
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := net.LookupPort("udp", port)
	require.NoError(t, err)
	return host, p
}

// testNameservers is a provider with a fixed list of attempts.
type testNameservers []Nameserver

func (p testNameservers) Nameservers(*dns.Msg) ([]Nameserver, error) {
	return p, nil
}

func (p testNameservers) String() string {
	return "testNameservers"
}

func testQuery(name string, qtype uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	return q
}

const testTimeout = 200 * time.Millisecond
