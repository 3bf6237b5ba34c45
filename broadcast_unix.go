//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"net"

	"golang.org/x/sys/unix"
)

// setBroadcast enables SO_BROADCAST on conn, required for the discover_req
// endpoint to send to the limited broadcast address 255.255.255.255.
//
// conn must wrap a *net.UDPConn; any other type returns an error.
func setBroadcast(conn net.PacketConn) error {
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return errNotUDPConn
	}
	rawConn, err := udpConn.SyscallConn()
	if err != nil {
		return err
	}
	var sockoptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockoptErr
}
