package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/metrics"
)

const (
	// defaultLifetime bounds the total time spent on one query when no
	// per-query timeout is configured.
	defaultLifetime = 5 * time.Second
	// defaultAttemptTimeout bounds a single UDP attempt inside the retry
	// loop.
	defaultAttemptTimeout = 2 * time.Second
)

// Exchanger resolves a DNS wire-format query into a wire-format response.
// Implemented by Client and Mock.
type Exchanger interface {
	Query(ctx context.Context, wire []byte) ([]byte, error)
}

// Client is the upstream client shared by all client-facing servers. It is
// an immutable descriptor; sockets are opened per query by miekg/dns.
type Client struct {
	addr      string
	transport Transport
	timeout   time.Duration // 0 = defaultLifetime

	udpClient *dns.Client
	tcpClient *dns.Client
	logger    *slog.Logger
}

// NewClient builds an upstream client for host/port over the given
// transport. Port 0 means the standard DNS port.
func NewClient(host string, port int, transport Transport, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	switch transport {
	case UDP, UDPWithTCPFallback, TCP:
	default:
		return nil, ErrInvalidTransport
	}
	if port == 0 {
		port = 53
	}
	return &Client{
		addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		transport: transport,
		timeout:   timeout,
		udpClient: &dns.Client{Net: "udp"},
		tcpClient: &dns.Client{Net: "tcp"},
		logger:    logging.OrDiscard(logger),
	}, nil
}

// Addr returns the upstream host:port.
func (c *Client) Addr() string { return c.addr }

// Query resolves one wire-format query. The transaction id of the response
// always equals the id of the query, even when the query carries id 0 (a
// fresh random id is used on the wire and rewritten back). Upstream
// failures never surface: they are converted into a synthesized SERVFAIL
// response so a misbehaving upstream cannot terminate a client session.
func (c *Client) Query(ctx context.Context, wire []byte) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(wire); err != nil {
		return nil, err
	}

	idIn := req.Id
	if idIn == 0 {
		req.Id = randomID()
	}

	var resp *dns.Msg
	switch c.transport {
	case UDP:
		resp = c.exchangeUDP(ctx, req)
	case TCP:
		resp = c.exchangeTCP(ctx, req)
	case UDPWithTCPFallback:
		resp = c.exchangeUDPWithFallback(ctx, req)
	}

	resp.Id = idIn
	return resp.Pack()
}

// lifetime returns the total time allowed for one query.
func (c *Client) lifetime() time.Duration {
	if c.timeout > 0 {
		return c.timeout
	}
	return defaultLifetime
}

// exchangeUDP runs the timeout-bounded retry loop: each attempt gets
// min(remaining, defaultAttemptTimeout); attempt timeouts retry until the
// lifetime is exhausted, any other exchange error fails the query.
func (c *Client) exchangeUDP(ctx context.Context, req *dns.Msg) *dns.Msg {
	lifetime := c.lifetime()
	start := time.Now()
	for {
		remaining := lifetime - time.Since(start)
		if remaining <= 0 {
			c.logger.Warn("upstream query lifetime exhausted", "upstream", c.addr, "lifetime", lifetime)
			metrics.RecordUpstreamFailure("timeout")
			return servfail(req)
		}
		attempt := remaining
		if attempt > defaultAttemptTimeout {
			attempt = defaultAttemptTimeout
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attempt)
		resp, _, err := c.udpClient.ExchangeContext(attemptCtx, req, c.addr)
		cancel()
		if err == nil {
			return resp
		}
		if isTimeout(err) && ctx.Err() == nil {
			continue
		}
		c.logger.Warn("upstream UDP exchange failed", "upstream", c.addr, "error", err)
		metrics.RecordUpstreamFailure(failureKind(err))
		return servfail(req)
	}
}

func (c *Client) exchangeTCP(ctx context.Context, req *dns.Msg) *dns.Msg {
	exchangeCtx, cancel := context.WithTimeout(ctx, c.lifetime())
	defer cancel()
	resp, _, err := c.tcpClient.ExchangeContext(exchangeCtx, req, c.addr)
	if err != nil {
		c.logger.Warn("upstream TCP exchange failed", "upstream", c.addr, "error", err)
		metrics.RecordUpstreamFailure(failureKind(err))
		return servfail(req)
	}
	return resp
}

// exchangeUDPWithFallback asks over UDP first and re-asks over TCP when
// the answer is truncated.
func (c *Client) exchangeUDPWithFallback(ctx context.Context, req *dns.Msg) *dns.Msg {
	exchangeCtx, cancel := context.WithTimeout(ctx, c.lifetime())
	defer cancel()
	resp, _, err := c.udpClient.ExchangeContext(exchangeCtx, req, c.addr)
	if err != nil {
		c.logger.Warn("upstream UDP exchange failed", "upstream", c.addr, "error", err)
		metrics.RecordUpstreamFailure(failureKind(err))
		return servfail(req)
	}
	if !resp.Truncated {
		return resp
	}
	resp, _, err = c.tcpClient.ExchangeContext(exchangeCtx, req, c.addr)
	if err != nil {
		c.logger.Warn("upstream TCP fallback failed", "upstream", c.addr, "error", err)
		metrics.RecordUpstreamFailure(failureKind(err))
		return servfail(req)
	}
	return resp
}

// servfail builds the local failure response: rcode SERVFAIL with flags
// QR|RD|RA and the question section preserved.
func servfail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)
	m.RecursionDesired = true
	m.RecursionAvailable = true
	return m
}

// randomID draws a nonzero transaction id so a synthesized id is
// distinguishable from the caller's id 0 on the wire.
func randomID() uint16 {
	for {
		if id := dns.Id(); id != 0 {
			return id
		}
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}

func failureKind(err error) string {
	switch {
	case isTimeout(err):
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "refused"
	default:
		return "exchange"
	}
}
