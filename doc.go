/*
Package rwdns implements a DNS proxy that rewrites query names. Queries are
received over UDP, the question name is rewritten with an ordered set of
regular expression rules, and the rewritten query is forwarded to an upstream
nameserver. Answers are returned to the client under the name it asked for.

Rules

A RuleSet is an ordered list of anchored patterns with replacement templates.
The first rule matching a name is applied. Names no rule matches are passed
through unchanged. A catch-all identity rule can be added explicitly, see
SuffixRules.

Resolvers

Resolvers answer the rewritten queries. Upstream tries the nameservers of a
NameserverProvider in order, one timed attempt each, and keeps an optional
response cache. CacheController wraps it to clear that cache before every
query, so answers always reflect the current state of the upstream.

Proxy

The Proxy owns the socket, handles every datagram in its own goroutine and
returns a Handle that stops it again.
*/
package rwdns
