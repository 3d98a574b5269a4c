//go:build !unix

package server

import "syscall"

// reuseAddrControl is a no-op where SO_REUSEADDR semantics differ.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
