package rwdns

import (
	"net"
)

// SocketProvider opens the packet socket the proxy receives queries on.
type SocketProvider interface {
	Open() (net.PacketConn, error)
}

// SocketFunc adapts a plain function to the SocketProvider interface.
type SocketFunc func() (net.PacketConn, error)

// Open calls f.
func (f SocketFunc) Open() (net.PacketConn, error) {
	return f()
}

// UDPSocket binds a UDP socket on the given address.
type UDPSocket struct {
	Addr string
}

var _ SocketProvider = UDPSocket{}

// Open the socket.
func (s UDPSocket) Open() (net.PacketConn, error) {
	return net.ListenPacket("udp", s.Addr)
}
