package rwdns

import (
	"context"
	"fmt"
	"strings"

	syslog "github.com/RackSec/srslog"
	"github.com/miekg/dns"
)

// Syslog forwards every query unmodified and logs the rewritten query and its
// answers to syslog.
type Syslog struct {
	id       string
	writer   *syslog.Writer
	resolver Resolver
	opt      SyslogOptions
}

var _ Resolver = &Syslog{}

type SyslogOptions struct {
	// "udp", "tcp", "unix". Empty for the local syslog daemon
	Network string

	// Remote address, defaults to local syslog server
	Address string

	// Priority value as per https://pkg.go.dev/log/syslog#Priority
	Priority int

	// Syslog tag
	Tag string

	// Log requests and/or responses
	LogRequest  bool
	LogResponse bool
}

// NewSyslog returns a new instance of a Syslog logger wrapping a resolver.
func NewSyslog(id string, resolver Resolver, opt SyslogOptions) (*Syslog, error) {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize syslog: %w", err)
	}
	return &Syslog{
		id:       id,
		writer:   writer,
		resolver: resolver,
		opt:      opt,
	}, nil
}

// Resolve passes a DNS query through unmodified. Query details are sent via syslog.
func (r *Syslog) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if r.opt.LogRequest {
		r.write(q, fmt.Sprintf("id=%s qid=%d type=query qtype=%s qname=%s", r.id, q.Id, qType(q), qName(q)))
	}

	a, err := r.resolver.Resolve(ctx, q)
	if !r.opt.LogResponse {
		return a, err
	}
	switch {
	case err != nil:
		r.write(q, fmt.Sprintf("id=%s qid=%d type=answer qname=%s error=%q", r.id, q.Id, qName(q), err.Error()))
	case a != nil && a.Rcode == dns.RcodeSuccess:
		for i, rr := range a.Answer {
			s := strings.ReplaceAll(rr.String(), "\t", " ")
			r.write(q, fmt.Sprintf("id=%s qid=%d type=answer answer-num=%d/%d qname=%s answer=%q", r.id, q.Id, i+1, len(a.Answer), qName(q), s))
		}
	case a != nil:
		r.write(q, fmt.Sprintf("id=%s qid=%d type=answer qname=%s rcode=%s", r.id, q.Id, qName(q), rCode(a)))
	}
	return a, err
}

func (r *Syslog) write(q *dns.Msg, msg string) {
	if _, err := r.writer.Write([]byte(msg)); err != nil {
		logger(r.id, q, nil).WithError(err).Error("failed to send syslog")
	}
}

// Close the connection to the syslog server.
func (r *Syslog) Close() error {
	return r.writer.Close()
}

func (r *Syslog) String() string {
	return r.id
}
