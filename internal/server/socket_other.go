//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package server

import "syscall"

// listenControl leaves socket options at the platform defaults.
func listenControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
