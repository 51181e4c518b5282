//go:build !unix

package discovery

import "syscall"

// reuseAddrControl is a no-op where unix socket options do not apply.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error { return nil }
