package upstream

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// mockTTL is the TTL on every answer the mock synthesizes.
const mockTTL = 300

// Mock answers class IN A/AAAA questions from fixed addresses without
// touching the network. Used for offline operation and in tests.
type Mock struct {
	a    net.IP // 4-byte, nil when unconfigured
	aaaa net.IP // 16-byte, nil when unconfigured
}

// NewMock builds a mock upstream. Each address may be given as text
// ("10.0.0.1", "2001:db8::1"), as raw bytes of the right length, or as a
// net.IP; nil skips the record type. Malformed input fails with
// ErrInvalidAddress.
func NewMock(a, aaaa any) (*Mock, error) {
	m := &Mock{}
	var err error
	if m.a, err = parseAddr(a, 4); err != nil {
		return nil, fmt.Errorf("A: %w", err)
	}
	if m.aaaa, err = parseAddr(aaaa, 16); err != nil {
		return nil, fmt.Errorf("AAAA: %w", err)
	}
	return m, nil
}

func parseAddr(v any, size int) (net.IP, error) {
	switch addr := v.(type) {
	case nil:
		return nil, nil
	case string:
		if addr == "" {
			return nil, nil
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		return fitAddr(ip, size)
	case []byte:
		if len(addr) != size {
			return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidAddress, len(addr), size)
		}
		return net.IP(addr), nil
	case net.IP:
		return fitAddr(addr, size)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidAddress, v)
	}
}

func fitAddr(ip net.IP, size int) (net.IP, error) {
	if size == 4 {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%w: %s is not an IPv4 address", ErrInvalidAddress, ip)
	}
	if ip.To4() == nil && ip.To16() != nil {
		return ip.To16(), nil
	}
	return nil, fmt.Errorf("%w: %s is not an IPv6 address", ErrInvalidAddress, ip)
}

// Query synthesizes a response: IN/A and IN/AAAA questions get the
// configured records, everything else an empty answer section. Never
// consults the network and never fails beyond unparseable input.
func (m *Mock) Query(_ context.Context, wire []byte) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(wire); err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true
	for _, q := range req.Question {
		if q.Qclass != dns.ClassINET {
			continue
		}
		switch q.Qtype {
		case dns.TypeA:
			if m.a != nil {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: mockTTL},
					A:   m.a,
				})
			}
		case dns.TypeAAAA:
			if m.aaaa != nil {
				resp.Answer = append(resp.Answer, &dns.AAAA{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: mockTTL},
					AAAA: m.aaaa,
				})
			}
		}
	}
	return resp.Pack()
}
