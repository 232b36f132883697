package rwdns

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

const (
	// DefaultAttempts is the number of upstream attempts made for one query.
	DefaultAttempts = 5

	// DefaultAttemptTimeout is how long to wait for a response in one attempt.
	DefaultAttemptTimeout = 500 * time.Millisecond

	// DefaultResolvConf is the file the system nameservers are read from.
	DefaultResolvConf = "/etc/resolv.conf"
)

// Nameserver is one candidate upstream attempt.
type Nameserver struct {
	// Address in host:port form
	Addr string

	// Time to wait for a response
	Timeout time.Duration
}

func (n Nameserver) String() string {
	return fmt.Sprintf("%s/%s", n.Addr, n.Timeout)
}

// NameserverProvider produces the ordered, finite list of upstream attempts
// for a query. The list is consumed in order, one attempt per entry.
type NameserverProvider interface {
	Nameservers(q *dns.Msg) ([]Nameserver, error)
	fmt.Stringer
}

// StaticNameservers sends every attempt to the same upstream server.
type StaticNameservers struct {
	addr string
	opt  StaticNameserverOptions
}

var _ NameserverProvider = &StaticNameservers{}

type StaticNameserverOptions struct {
	// Number of attempts, default 5
	Attempts int

	// Timeout of each attempt, default 0.5s
	Timeout time.Duration
}

// NewStaticNameservers returns a provider that repeats one upstream host:port.
func NewStaticNameservers(host string, port int, opt StaticNameserverOptions) (*StaticNameservers, error) {
	if host == "" {
		return nil, errors.Wrap(ErrNoNameservers, "upstream host is empty")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid upstream port %d", port)
	}
	if opt.Attempts <= 0 {
		opt.Attempts = DefaultAttempts
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultAttemptTimeout
	}
	return &StaticNameservers{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		opt:  opt,
	}, nil
}

// Nameservers returns the same upstream once per attempt.
func (p *StaticNameservers) Nameservers(*dns.Msg) ([]Nameserver, error) {
	list := make([]Nameserver, p.opt.Attempts)
	for i := range list {
		list[i] = Nameserver{Addr: p.addr, Timeout: p.opt.Timeout}
	}
	return list, nil
}

func (p *StaticNameservers) String() string {
	return fmt.Sprintf("Static(%s x%d)", p.addr, p.opt.Attempts)
}

// SystemNameservers uses the nameservers configured on the host. The
// configuration file is read for every query so changes are picked up
// without a restart.
type SystemNameservers struct {
	opt SystemNameserverOptions
}

var _ NameserverProvider = &SystemNameservers{}

type SystemNameserverOptions struct {
	// resolv.conf style file, default /etc/resolv.conf
	ResolvConf string

	// Number of rounds over all configured servers, default 5
	Attempts int

	// Timeout of each attempt, default 0.5s
	Timeout time.Duration
}

// NewSystemNameservers returns a provider for the host's resolvers.
func NewSystemNameservers(opt SystemNameserverOptions) *SystemNameservers {
	if opt.ResolvConf == "" {
		opt.ResolvConf = DefaultResolvConf
	}
	if opt.Attempts <= 0 {
		opt.Attempts = DefaultAttempts
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultAttemptTimeout
	}
	return &SystemNameservers{opt: opt}
}

// Nameservers returns all configured servers, in order, once per round.
func (p *SystemNameservers) Nameservers(*dns.Msg) ([]Nameserver, error) {
	conf, err := dns.ClientConfigFromFile(p.opt.ResolvConf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read '%s'", p.opt.ResolvConf)
	}
	if len(conf.Servers) == 0 {
		return nil, errors.Wrapf(ErrNoNameservers, "no servers in '%s'", p.opt.ResolvConf)
	}
	list := make([]Nameserver, 0, p.opt.Attempts*len(conf.Servers))
	for i := 0; i < p.opt.Attempts; i++ {
		for _, server := range conf.Servers {
			list = append(list, Nameserver{
				Addr:    net.JoinHostPort(server, conf.Port),
				Timeout: p.opt.Timeout,
			})
		}
	}
	return list, nil
}

func (p *SystemNameservers) String() string {
	return fmt.Sprintf("System(%s)", p.opt.ResolvConf)
}
