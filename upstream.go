package rwdns

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// Upstream is a resolver that sends queries over UDP to the nameservers
// produced by a NameserverProvider. Candidates are tried strictly in order
// and the first well-formed response is returned. Responses can optionally
// be cached.
type Upstream struct {
	id       string
	provider NameserverProvider
	client   *dns.Client
	cache    *Cache
	metrics  *UpstreamMetrics
}

var _ ClearableResolver = &Upstream{}

type UpstreamMetrics struct {
	// Attempts sent to upstream nameservers.
	attempt *expvar.Int
	// Failed attempts by reason.
	err *expvar.Map
	// Queries that exhausted all candidates.
	exhausted *expvar.Int
}

type UpstreamOptions struct {
	// Turns off the response cache
	DisableCache bool

	// Options for the response cache
	Cache CacheOptions

	// Size of the receive buffer for UDP responses, default 4096
	UDPSize uint16
}

// NewUpstream returns a resolver that forwards queries to the nameservers of
// the given provider.
func NewUpstream(id string, provider NameserverProvider, opt UpstreamOptions) *Upstream {
	if opt.UDPSize == 0 {
		opt.UDPSize = dns.DefaultMsgSize
	}
	r := &Upstream{
		id:       id,
		provider: provider,
		client: &dns.Client{
			Net:     "udp",
			UDPSize: opt.UDPSize,
		},
		metrics: &UpstreamMetrics{
			attempt:   getVarInt("upstream", id, "attempt"),
			err:       getVarMap("upstream", id, "error"),
			exhausted: getVarInt("upstream", id, "exhausted"),
		},
	}
	if !opt.DisableCache {
		r.cache = NewCache(id, opt.Cache)
	}
	return r
}

// Resolve a DNS query. Returns a ResolutionTimeoutError if none of the
// candidate nameservers produced a response, or the context error if the
// context is cancelled before that.
func (r *Upstream) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	return r.resolve(ctx, q, r.cache != nil)
}

// ResolveUncached sends the query upstream without reading or writing the
// cache.
func (r *Upstream) ResolveUncached(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	return r.resolve(ctx, q, false)
}

func (r *Upstream) resolve(ctx context.Context, q *dns.Msg, useCache bool) (*dns.Msg, error) {
	if len(q.Question) != 1 {
		return nil, errors.New("query must have exactly one question")
	}
	log := logger(r.id, q, nil)

	if useCache {
		if a, ok := r.cache.Lookup(q); ok {
			log.Debug("cache-hit")
			return a, nil
		}
	}

	servers, err := r.provider.Nameservers(q)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, ns := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.metrics.attempt.Add(1)
		log.WithField("nameserver", ns.Addr).WithField("attempt", i+1).Debug("sending query upstream")

		a, err := r.exchange(ctx, q, ns)
		if err == nil {
			if useCache {
				r.cache.Store(q, a)
			}
			return a, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		r.metrics.err.Add(attemptErrorReason(err), 1)
		log.WithField("nameserver", ns.Addr).WithError(err).Debug("upstream attempt failed")
	}

	r.metrics.exhausted.Add(1)
	return nil, ResolutionTimeoutError{
		Name:     qName(q),
		Type:     q.Question[0].Qtype,
		Attempts: len(servers),
		Last:     lastErr,
	}
}

// One timed attempt against one nameserver.
func (r *Upstream) exchange(ctx context.Context, q *dns.Msg, ns Nameserver) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, ns.Timeout)
	defer cancel()

	co, err := r.client.DialContext(ctx, ns.Addr)
	if err != nil {
		return nil, err
	}
	defer co.Close()

	// The client only honours the deadline of the context. Closing the
	// connection also interrupts a read that is already blocked.
	stop := context.AfterFunc(ctx, func() { _ = co.Close() })
	defer stop()

	a, _, err := r.client.ExchangeWithConnContext(ctx, q, co)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if !a.Response {
		return nil, fmt.Errorf("message from %s is not a response", ns.Addr)
	}
	if len(a.Question) > 0 {
		want, got := q.Question[0], a.Question[0]
		if !strings.EqualFold(want.Name, got.Name) || want.Qtype != got.Qtype || want.Qclass != got.Qclass {
			return nil, fmt.Errorf("expected answer for %s, got %s", want.String(), got.String())
		}
	}
	return a, nil
}

// ClearCache drops all cached responses.
func (r *Upstream) ClearCache() {
	if r.cache != nil {
		r.cache.Flush()
	}
}

// Close releases the resources held by the cache.
func (r *Upstream) Close() error {
	if r.cache != nil {
		return r.cache.Close()
	}
	return nil
}

func (r *Upstream) String() string {
	return fmt.Sprintf("Upstream(%s)", r.provider)
}

func attemptErrorReason(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
