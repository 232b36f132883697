package rwdns

import (
	"strconv"

	"github.com/miekg/dns"
)

// Return the query name from a DNS query.
func qName(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// Returns the string representation of the query type.
func qType(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return dns.TypeToString[q.Question[0].Qtype]
}

// Return the result code name from a DNS response.
func rCode(r *dns.Msg) string {
	if result, ok := dns.RcodeToString[r.Rcode]; ok {
		return result
	}
	return strconv.Itoa(r.Rcode)
}

// Returns a SERVFAIL answer for a query.
func servfail(q *dns.Msg) *dns.Msg {
	return responseWithCode(q, dns.RcodeServerFailure)
}

// Returns a NOTIMP answer for a query.
func notimp(q *dns.Msg) *dns.Msg {
	return responseWithCode(q, dns.RcodeNotImplemented)
}

// Build a response for a query with the given responce code.
func responseWithCode(q *dns.Msg, rcode int) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, rcode)
	a.RecursionAvailable = q.RecursionDesired
	return a
}

// Maximum response size the client accepts over UDP.
func maxUDPSize(q *dns.Msg) int {
	if edns0 := q.IsEdns0(); edns0 != nil && int(edns0.UDPSize()) > dns.MinMsgSize {
		return int(edns0.UDPSize())
	}
	return dns.MinMsgSize
}
