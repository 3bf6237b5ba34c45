// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"context"
	"net"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for a [net.PacketConn] to be closed when the
// context is done (cancelled or deadline exceeded). This provides responsive
// cleanup on external cancellation (engine [Close], caller context
// cancellation) rather than waiting for per-operation timeouts.
//
// The returned connection wraps the input connection. Closing the returned
// connection unregisters the context watcher and closes the underlying
// connection. This ensures no goroutine leaks even if the context is
// never cancelled.
//
// The watcher is safe to use with any [net.PacketConn] implementation because
// Go's standard library uses the [net.ErrClosed] pattern: closing an
// already-closed connection returns [net.ErrClosed], and I/O operations
// on a closed connection fail gracefully. [ObservePacketFunc] follows the
// same pattern.
type CancelWatchFunc struct{}

var _ Func[net.PacketConn, net.PacketConn] = &CancelWatchFunc{}

// Call registers a context watcher using [context.AfterFunc] that closes
// the connection when the context is done. The returned [net.PacketConn]
// wraps the input: closing it unregisters the watcher and closes the
// underlying connection.
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.PacketConn) (net.PacketConn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedPacketConn{PacketConn: conn, stop: stop}, nil
}

// cancelWatchedPacketConn wraps a [net.PacketConn] with a context cancellation watcher.
type cancelWatchedPacketConn struct {
	net.PacketConn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedPacketConn) Close() error {
	c.stop()
	return c.PacketConn.Close()
}
