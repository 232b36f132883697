package rwdns

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Resolver is an interface to resolve DNS queries.
type Resolver interface {
	Resolve(context.Context, *dns.Msg) (*dns.Msg, error)
	fmt.Stringer
}

// ClearableResolver is a resolver with a response cache that can be reset
// or bypassed.
type ClearableResolver interface {
	Resolver
	ClearCache()
	ResolveUncached(context.Context, *dns.Msg) (*dns.Msg, error)
}
