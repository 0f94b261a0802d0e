//go:build unix

// Package platform maps signal names to the signals of the running OS.
package platform

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

type Signal = unix.Signal

// SignalNum returns the signal called name, or 0 if this OS has none.
func SignalNum(name string) Signal {
	return unix.SignalNum(name)
}

func FromOsSignal(sig os.Signal) Signal {
	if s, ok := sig.(syscall.Signal); ok {
		return s
	}
	return 0
}
