//go:build !unix

package main

import "syscall"

func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
