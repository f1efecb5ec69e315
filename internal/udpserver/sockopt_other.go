//go:build !linux

package udpserver

import "syscall"

const autoFlowLabelSupported = false

func disableAutoFlowLabel(_, _ string, _ syscall.RawConn) error {
	return ErrUnsupportedPlatform
}
