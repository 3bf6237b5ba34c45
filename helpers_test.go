// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/slogstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// fakePacketConn is a function-field fake [net.PacketConn], following the
// same fake-by-function-fields idiom the teacher uses for net.Conn/net.Dialer
// fakes. We roll our own here because net.PacketConn has no equivalent
// fake in the teacher's demonstrated testing surface.
type fakePacketConn struct {
	CloseFunc       func() error
	LocalAddrFunc   func() net.Addr
	ReadFromFunc    func(p []byte) (int, net.Addr, error)
	WriteToFunc     func(p []byte, addr net.Addr) (int, error)
	SetDeadlineFunc func(t time.Time) error
}

var _ net.PacketConn = &fakePacketConn{}

func (c *fakePacketConn) Close() error {
	if c.CloseFunc != nil {
		return c.CloseFunc()
	}
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr {
	if c.LocalAddrFunc != nil {
		return c.LocalAddrFunc()
	}
	return &net.UDPAddr{}
}

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if c.ReadFromFunc != nil {
		return c.ReadFromFunc(p)
	}
	return 0, nil, net.ErrClosed
}

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.WriteToFunc != nil {
		return c.WriteToFunc(p, addr)
	}
	return len(p), nil
}

func (c *fakePacketConn) SetDeadline(t time.Time) error {
	if c.SetDeadlineFunc != nil {
		return c.SetDeadlineFunc(t)
	}
	return nil
}

func (c *fakePacketConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakePacketConn) SetWriteDeadline(t time.Time) error { return nil }

// fakePacketListener is a function-field fake [PacketListener].
type fakePacketListener struct {
	ListenPacketFunc func(ctx context.Context, network, address string) (net.PacketConn, error)
}

func (l *fakePacketListener) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	return l.ListenPacketFunc(ctx, network, address)
}
