// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"context"
	"net"
	"time"
)

// PacketListener abstracts [*net.ListenConfig.ListenPacket].
//
// By depending on an abstract implementation, the socket manager and
// discovery components can be unit tested without binding real sockets.
type PacketListener interface {
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}

// config holds the ambient dependencies shared by the internal components
// (socket manager, discovery, protocol engine, dispatcher).
//
// [newConfig] returns one filled with production defaults; callers never
// construct it directly.
type config struct {
	// PacketListener is used to bind UDP endpoints.
	PacketListener PacketListener

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Configurable for deterministic tests of backoff and keepalive timing.
	TimeNow func() time.Time
}

// newConfig creates a [*config] with sensible defaults.
func newConfig() *config {
	return &config{
		PacketListener: &net.ListenConfig{},
		ErrClassifier:  DefaultErrClassifier,
		TimeNow:        time.Now,
	}
}
