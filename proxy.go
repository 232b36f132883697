package rwdns

import (
	"context"
	"errors"
	"expvar"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Bounds of the pause after a failed read from the socket.
const (
	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// QueryState is the stage a query has reached in the proxy.
type QueryState int

const (
	StateReceived QueryState = iota
	StateDecodeError
	StateRewritten
	StateResolving
	StateResolved
	StateFailed
	StateResponded
	StateErrorResponse
	StateDropped
)

var queryStateNames = map[QueryState]string{
	StateReceived:      "received",
	StateDecodeError:   "decode-error",
	StateRewritten:     "rewritten",
	StateResolving:     "resolving",
	StateResolved:      "resolved",
	StateFailed:        "failed",
	StateResponded:     "responded",
	StateErrorResponse: "error-response",
	StateDropped:       "dropped",
}

func (s QueryState) String() string {
	return queryStateNames[s]
}

// Proxy receives DNS queries on a packet socket, rewrites the question name
// with a rule set, resolves the rewritten query and sends the answer back
// under the name the client asked for.
type Proxy struct {
	id       string
	rules    *RuleSet
	sockets  SocketProvider
	resolver Resolver
	opt      ProxyOptions
	metrics  *ProxyMetrics
}

type ProxyMetrics struct {
	// Datagrams received.
	query *expvar.Int
	// Responses sent by rcode.
	response *expvar.Map
	// Queries dropped by reason.
	drop *expvar.Map
	// Failed queries by reason.
	err *expvar.Map
	// Queries by terminal state.
	state *expvar.Map
}

type ProxyOptions struct {
	// Don't reply to queries that could not be resolved. By default a
	// SERVFAIL response is sent.
	DropOnFailure bool

	// Maximum number of queries handled concurrently. Datagrams received
	// while at the limit are dropped. 0 means no limit.
	MaxInFlight int64

	// Upper bound for the resolution of one query. 0 means only the
	// resolver's own attempt timeouts apply.
	QueryTimeout time.Duration
}

// NewProxy returns a proxy for the given rules. The socket is opened by Start.
func NewProxy(id string, rules *RuleSet, sockets SocketProvider, resolver Resolver, opt ProxyOptions) (*Proxy, error) {
	if rules == nil || rules.Len() == 0 {
		return nil, ErrNoRules
	}
	if sockets == nil {
		return nil, errors.New("no socket provider")
	}
	if resolver == nil {
		return nil, errors.New("no resolver")
	}
	return &Proxy{
		id:       id,
		rules:    rules,
		sockets:  sockets,
		resolver: resolver,
		opt:      opt,
		metrics: &ProxyMetrics{
			query:    getVarInt("proxy", id, "query"),
			response: getVarMap("proxy", id, "response"),
			drop:     getVarMap("proxy", id, "drop"),
			err:      getVarMap("proxy", id, "error"),
			state:    getVarMap("proxy", id, "state"),
		},
	}, nil
}

// Start opens the socket and runs the receive loop until the returned handle
// or the given context is cancelled.
func (p *Proxy) Start(ctx context.Context) (*Handle, error) {
	conn, err := p.sockets.Open()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	h := newHandle(conn.LocalAddr(), cancel)

	var sem *semaphore.Weighted
	if p.opt.MaxInFlight > 0 {
		sem = semaphore.NewWeighted(p.opt.MaxInFlight)
	}

	Log.WithFields(logrus.Fields{"id": p.id, "addr": conn.LocalAddr().String()}).Info("starting proxy")
	go p.serve(ctx, conn, h, sem)
	return h, nil
}

func (p *Proxy) serve(ctx context.Context, conn net.PacketConn, h *Handle, sem *semaphore.Weighted) {
	var (
		wg      sync.WaitGroup
		loopErr error
	)
	defer func() {
		// Let the queries in flight finish before releasing the socket they
		// respond on.
		wg.Wait()
		err := conn.Close()
		if loopErr == nil {
			loopErr = err
		}
		Log.WithFields(logrus.Fields{"id": p.id, "addr": h.Addr().String()}).Info("proxy stopped")
		h.finish(loopErr)
	}()

	// Wake up the blocked read once the proxy is cancelled
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	var backoff time.Duration
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				loopErr = err
				return
			}
			// Back off on repeated errors so the loop doesn't spin
			backoff *= 2
			if backoff == 0 {
				backoff = minReadBackoff
			}
			if backoff > maxReadBackoff {
				backoff = maxReadBackoff
			}
			p.metrics.err.Add("read", 1)
			Log.WithField("id", p.id).WithError(err).WithField("backoff", backoff).Warn("read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		p.metrics.query.Add(1)

		if sem != nil && !sem.TryAcquire(1) {
			p.metrics.drop.Add("overload", 1)
			Log.WithFields(logrus.Fields{"id": p.id, "client": addr.String()}).Debug("too many queries in flight, dropping")
			continue
		}
		req := make([]byte, n)
		copy(req, buf[:n])

		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}
			state := p.handle(ctx, conn, addr, req)
			p.metrics.state.Add(state.String(), 1)
		}()
	}
}

// Handles one datagram from start to a terminal state.
func (p *Proxy) handle(ctx context.Context, conn net.PacketConn, addr net.Addr, raw []byte) QueryState {
	q := new(dns.Msg)
	if err := q.Unpack(raw); err != nil || q.Response || len(q.Question) != 1 {
		p.metrics.drop.Add("decode", 1)
		Log.WithFields(logrus.Fields{"id": p.id, "client": addr.String(), "state": StateDecodeError}).Debug("dropping undecodable query")
		return StateDropped
	}
	log := logger(p.id, q, addr)
	log.Debug(StateReceived)

	if q.Opcode != dns.OpcodeQuery {
		return p.respond(conn, addr, q, notimp(q), log, StateErrorResponse)
	}

	question := q.Question[0]
	newName, rule := p.rules.Rewrite(question.Name)
	log = log.WithField("new-qname", newName)
	log.WithField("rule", rule).Trace(StateRewritten)

	// The upstream query gets its own ID, the client's is restored later
	upstreamQ := q.Copy()
	upstreamQ.Id = dns.Id()
	upstreamQ.Question[0].Name = newName

	if p.opt.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opt.QueryTimeout)
		defer cancel()
	}

	log.WithField("resolver", p.resolver.String()).Trace(StateResolving)
	a, err := p.resolver.Resolve(ctx, upstreamQ)
	if err != nil || a == nil {
		p.metrics.err.Add(failureReason(err), 1)
		log.WithError(err).WithField("state", StateFailed).Warn("failed to resolve")
		if p.opt.DropOnFailure {
			p.metrics.drop.Add("failure", 1)
			return StateDropped
		}
		return p.respond(conn, addr, q, servfail(q), log, StateErrorResponse)
	}
	log.Trace(StateResolved)

	a.Id = q.Id
	a.Question = []dns.Question{question}
	for _, rr := range a.Answer {
		h := rr.Header()
		if strings.EqualFold(h.Name, newName) {
			h.Name = p.rules.Unrewrite(rule, question.Name, h.Name)
		}
	}
	return p.respond(conn, addr, q, a, log, StateResponded)
}

// Encodes and sends a response. Returns state on success, StateDropped if
// the response could not be sent.
func (p *Proxy) respond(conn net.PacketConn, addr net.Addr, q, a *dns.Msg, log *logrus.Entry, state QueryState) QueryState {
	a.Truncate(maxUDPSize(q))
	b, err := a.Pack()
	if err != nil {
		p.metrics.err.Add("pack", 1)
		log.WithError(err).Error("failed to encode response")
		return StateDropped
	}
	if _, err := conn.WriteTo(b, addr); err != nil {
		p.metrics.err.Add("send", 1)
		log.WithError(err).Debug("failed to send response")
		return StateDropped
	}
	p.metrics.response.Add(rCode(a), 1)
	log.WithField("rcode", rCode(a)).Debug(state)
	return state
}

func (p *Proxy) String() string {
	return p.id
}

func failureReason(err error) string {
	var timeout ResolutionTimeoutError
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	default:
		return "resolve"
	}
}
