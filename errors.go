package rwdns

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

var (
	// ErrNoRules is returned when a rule set is built without any rules.
	ErrNoRules = errors.New("no rewrite rules defined")

	// ErrMissingSuffix is returned when a suffix rule set is missing the source or target.
	ErrMissingSuffix = errors.New("both source and target suffix are required")

	// ErrNoNameservers is returned when a provider has no upstream to offer.
	ErrNoNameservers = errors.New("no nameservers available")
)

// ResolutionTimeoutError is returned when all upstream attempts for a query
// failed or timed out.
type ResolutionTimeoutError struct {
	Name     string
	Type     uint16
	Attempts int
	// Last error seen from an attempt, if any
	Last error
}

func (e ResolutionTimeoutError) Error() string {
	msg := fmt.Sprintf("resolution of '%s' (%s) timed out after %d attempts", e.Name, dns.TypeToString[e.Type], e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e ResolutionTimeoutError) Unwrap() error {
	return e.Last
}
