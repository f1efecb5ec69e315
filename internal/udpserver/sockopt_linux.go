//go:build linux

package udpserver

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const autoFlowLabelSupported = true

// disableAutoFlowLabel clears IPV6_AUTOFLOWLABEL before the socket is
// bound. Only IPv6 sockets carry the option; dual-stack "udp" listens
// resolve to udp4 or udp6 by address family.
func disableAutoFlowLabel(network, _ string, c syscall.RawConn) error {
	if !strings.HasSuffix(network, "6") {
		return nil
	}
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_AUTOFLOWLABEL, 0)
	})
	if err != nil {
		return err
	}
	return sockErr
}
