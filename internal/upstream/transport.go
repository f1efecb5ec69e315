package upstream

import (
	"errors"
	"fmt"
	"strings"
)

// Transport selects how the proxy reaches the upstream resolver.
type Transport int

const (
	// UDP issues plain UDP queries with a bounded retry loop.
	UDP Transport = iota
	// UDPWithTCPFallback issues a UDP query and re-asks over TCP when the
	// answer comes back truncated.
	UDPWithTCPFallback
	// TCP issues a single TCP query.
	TCP
)

// ErrInvalidTransport is returned when an upstream descriptor names an
// unknown transport.
var ErrInvalidTransport = errors.New("invalid upstream transport")

// ErrInvalidAddress is returned when a mock upstream is configured with a
// malformed A or AAAA address.
var ErrInvalidAddress = errors.New("invalid mock upstream address")

// ParseTransport maps the config spelling to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "udp":
		return UDP, nil
	case "udp+tcp":
		return UDPWithTCPFallback, nil
	case "tcp":
		return TCP, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTransport, s)
	}
}

func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case UDPWithTCPFallback:
		return "udp+tcp"
	case TCP:
		return "tcp"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}
