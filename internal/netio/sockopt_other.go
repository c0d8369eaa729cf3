//go:build !linux

package netio

import "syscall"

func setSocketOpts(syscall.RawConn) error { return nil }
