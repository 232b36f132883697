package rwdns

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// CacheController wraps a resolver with a response cache. When configured
// to clear before resolving, the cache is reset and the query bypasses it,
// so answers always reflect the current upstream state even while other
// queries for the same name are in flight. Otherwise queries are passed
// through with the cache intact.
type CacheController struct {
	resolver           ClearableResolver
	clearBeforeResolve bool
}

var _ Resolver = &CacheController{}

// NewCacheController returns a new instance of a CacheController.
func NewCacheController(resolver ClearableResolver, clearBeforeResolve bool) *CacheController {
	return &CacheController{resolver: resolver, clearBeforeResolve: clearBeforeResolve}
}

// Resolve a DNS query through the wrapped resolver, clearing its cache first
// if configured to do so.
func (r *CacheController) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if r.clearBeforeResolve {
		r.resolver.ClearCache()
		return r.resolver.ResolveUncached(ctx, q)
	}
	return r.resolver.Resolve(ctx, q)
}

func (r *CacheController) String() string {
	return fmt.Sprintf("CacheController(%s, clear=%t)", r.resolver, r.clearBeforeResolve)
}
