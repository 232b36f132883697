package rwdns

import (
	"context"
	"net"
)

// Handle represents a running proxy. Cancelling it stops the receive loop,
// cancels all queries in flight, waits for them to finish and then closes
// the socket.
type Handle struct {
	addr   net.Addr
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newHandle(addr net.Addr, cancel context.CancelFunc) *Handle {
	return &Handle{
		addr:   addr,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel stops the proxy. It does not wait for the shutdown to complete,
// use Wait or Done for that. Safe to call multiple times.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done returns a channel that is closed once the proxy has stopped and the
// socket is released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the proxy has stopped. It returns nil after a regular
// cancellation or the error that terminated the receive loop.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Addr is the local address of the proxy socket.
func (h *Handle) Addr() net.Addr {
	return h.addr
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}
