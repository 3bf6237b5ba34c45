//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package emotiva

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// NewObservePacketFunc returns a new [*ObservePacketFunc] with default logging.
//
// The cfg argument contains the common configuration for engine operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObservePacketFunc(cfg *config, logger SLogger) *ObservePacketFunc {
	return &ObservePacketFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObservePacketFunc observes a [net.PacketConn] to log I/O operations.
//
// This primitive provides observability for the Socket Manager's endpoints
// by logging all I/O events including reads, writes, and close. For timeout
// enforcement, use [CancelWatchFunc] to close the connection when the
// context is done, which causes any in-progress I/O to fail immediately.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ObservePacketFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObservePacketFunc] from [config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewObservePacketFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewObservePacketFunc] from [config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.PacketConn, net.PacketConn] = &ObservePacketFunc{}

// Call invokes the [*ObservePacketFunc] to observe a [net.PacketConn] for logging I/O operations.
func (op *ObservePacketFunc) Call(ctx context.Context, conn net.PacketConn) (net.PacketConn, error) {
	observed := &observedPacketConn{
		closeonce: sync.Once{},
		conn:      conn,
		laddr:     conn.LocalAddr().String(),
		op:        op,
	}
	return observed, nil
}

// observedPacketConn observes a [net.PacketConn].
type observedPacketConn struct {
	closeonce sync.Once
	conn      net.PacketConn
	laddr     string
	op        *ObservePacketFunc
}

// Close implements [net.PacketConn].
//
// Subsequent calls return [net.ErrClosed], consistent with Go's standard
// library behavior for closed connections.
func (c *observedPacketConn) Close() (err error) {
	err = net.ErrClosed
	c.closeonce.Do(func() {
		t0 := c.op.TimeNow()
		c.op.Logger.Info(
			"closeStart",
			slog.String("localAddr", c.laddr),
			slog.Time("t", t0),
		)

		err = c.conn.Close()

		c.op.Logger.Info(
			"closeDone",
			slog.Any("err", err),
			slog.String("errClass", c.op.ErrClassifier.Classify(err)),
			slog.String("localAddr", c.laddr),
			slog.Time("t0", t0),
			slog.Time("t", c.op.TimeNow()),
		)
	})
	return
}

// LocalAddr implements [net.PacketConn].
func (c *observedPacketConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// ReadFrom implements [net.PacketConn].
func (c *observedPacketConn) ReadFrom(buf []byte) (int, net.Addr, error) {
	t0 := c.op.TimeNow()
	c.op.Logger.Debug(
		"readStart",
		slog.Int("ioBufferSize", len(buf)),
		slog.String("localAddr", c.laddr),
		slog.Time("t", t0),
	)

	count, addr, err := c.conn.ReadFrom(buf)

	remoteAddr := ""
	if addr != nil {
		remoteAddr = addr.String()
	}
	c.op.Logger.Debug(
		"readDone",
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("remoteAddr", remoteAddr),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	)

	return count, addr, err
}

// WriteTo implements [net.PacketConn].
func (c *observedPacketConn) WriteTo(data []byte, addr net.Addr) (n int, err error) {
	t0 := c.op.TimeNow()
	remoteAddr := ""
	if addr != nil {
		remoteAddr = addr.String()
	}
	c.op.Logger.Debug(
		"writeStart",
		slog.Int("ioBufferSize", len(data)),
		slog.String("localAddr", c.laddr),
		slog.String("remoteAddr", remoteAddr),
		slog.Time("t", t0),
	)

	count, err := c.conn.WriteTo(data, addr)

	c.op.Logger.Debug(
		"writeDone",
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("remoteAddr", remoteAddr),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	)

	return count, err
}

// SetDeadline implements [net.PacketConn].
func (c *observedPacketConn) SetDeadline(t time.Time) error {
	c.op.Logger.Debug(
		"setDeadline",
		slog.Time("deadline", t),
		slog.String("localAddr", c.laddr),
		slog.Time("t", c.op.TimeNow()),
	)
	return c.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.PacketConn].
func (c *observedPacketConn) SetReadDeadline(t time.Time) error {
	c.op.Logger.Debug(
		"setReadDeadline",
		slog.Time("deadline", t),
		slog.String("localAddr", c.laddr),
		slog.Time("t", c.op.TimeNow()),
	)
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.PacketConn].
func (c *observedPacketConn) SetWriteDeadline(t time.Time) error {
	c.op.Logger.Debug(
		"setWriteDeadline",
		slog.Time("deadline", t),
		slog.String("localAddr", c.laddr),
		slog.Time("t", c.op.TimeNow()),
	)
	return c.conn.SetWriteDeadline(t)
}
