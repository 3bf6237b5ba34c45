//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package emotiva

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// NewBindFunc returns a new [*BindFunc] with the default packet listener.
//
// The cfg argument contains the common configuration for engine operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewBindFunc(cfg *config, logger SLogger) *BindFunc {
	return &BindFunc{
		ErrClassifier:  cfg.ErrClassifier,
		Logger:         logger,
		PacketListener: cfg.PacketListener,
		TimeNow:        cfg.TimeNow,
	}
}

// BindFunc binds a UDP endpoint for a given [EndpointRole].
//
// Returns either a valid [net.PacketConn] or an error, never both.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type BindFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewBindFunc] from [config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewBindFunc] to the user-provided logger.
	Logger SLogger

	// PacketListener is the [PacketListener] to use.
	//
	// Set by [NewBindFunc] from [config.PacketListener].
	PacketListener PacketListener

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewBindFunc] from [config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[bindRequest, net.PacketConn] = &BindFunc{}

// bindRequest is the input to [*BindFunc.Call].
type bindRequest struct {
	// role is the endpoint role being bound, used only for logging.
	role EndpointRole

	// address is the local address to bind, e.g. "0.0.0.0:7001" or "0.0.0.0:0".
	address string
}

// Call invokes the [*BindFunc] to bind a local UDP endpoint.
func (op *BindFunc) Call(ctx context.Context, req bindRequest) (net.PacketConn, error) {
	t0 := op.TimeNow()
	op.logBindStart(req, t0)
	conn, err := op.PacketListener.ListenPacket(ctx, "udp", req.address)
	op.logBindDone(req, t0, conn, err)
	return conn, err
}

func (op *BindFunc) logBindStart(req bindRequest, t0 time.Time) {
	op.Logger.Info(
		"bindStart",
		slog.String("role", string(req.role)),
		slog.String("localAddr", req.address),
		slog.Time("t", t0),
	)
}

func (op *BindFunc) logBindDone(req bindRequest, t0 time.Time, conn net.PacketConn, err error) {
	localAddr := ""
	if conn != nil {
		localAddr = conn.LocalAddr().String()
	}
	op.Logger.Info(
		"bindDone",
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("role", string(req.role)),
		slog.String("localAddr", localAddr),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
}
