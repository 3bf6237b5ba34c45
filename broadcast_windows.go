//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package emotiva

import (
	"net"

	"golang.org/x/sys/windows"
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
		sockoptErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockoptErr
}
