package rwdns

import (
	"net"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Log is a package-global logger used throughout the library. Configuration can be
// changed directly on this instance or the instance replaced.
var Log = logrus.New()

func logger(id string, q *dns.Msg, client net.Addr) *logrus.Entry {
	fields := logrus.Fields{
		"id":    id,
		"qtype": qType(q),
		"qname": qName(q),
	}
	if client != nil {
		fields["client"] = client.String()
	}
	return Log.WithFields(fields)
}
