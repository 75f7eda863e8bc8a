//go:build unix

package main

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets a restarted node rebind its well-known ports right away
// and permits sending to the broadcast address.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		if network == "udp" || network == "udp4" || network == "udp6" {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
