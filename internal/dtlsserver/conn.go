package dtlsserver

import (
	"net"
	"os"
	"sync"
	"time"
)

// DTLS record framing constants used for write-side pacing.
const (
	contentTypeHandshake   = 22
	handshakeTypeHelloDone = 14
	recordHeaderLen        = 13
)

// peerConn adapts one peer's share of the wrapper's datagram socket to the
// net.Conn surface pion/dtls consumes. Reads pop datagrams the wrapper
// routed to this peer; writes emit ciphertext to the peer through the
// shared socket.
type peerConn struct {
	wrapper *Wrapper
	sess    *session

	mu           sync.Mutex
	readDeadline time.Time
}

var _ net.Conn = (*peerConn)(nil)

func (c *peerConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case datagram, ok := <-c.sess.inbound:
		if !ok {
			return 0, net.ErrClosed
		}
		n := copy(p, datagram)
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-c.sess.done:
		return 0, net.ErrClosed
	}
}

// Write emits one DTLS record to the peer. A ServerHelloDone flight is
// delayed by the configured pacing interval so slow constrained peers can
// keep up with the handshake.
func (c *peerConn) Write(p []byte) (int, error) {
	if c.wrapper.helloDoneDelay > 0 &&
		len(p) > recordHeaderLen &&
		p[0] == contentTypeHandshake &&
		p[recordHeaderLen] == handshakeTypeHelloDone {
		time.Sleep(c.wrapper.helloDoneDelay)
	}
	return c.wrapper.conn.WriteTo(p, c.sess.peer)
}

func (c *peerConn) Close() error {
	c.sess.markDone()
	return nil
}

func (c *peerConn) LocalAddr() net.Addr  { return c.wrapper.conn.LocalAddr() }
func (c *peerConn) RemoteAddr() net.Addr { return c.sess.peer }

func (c *peerConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *peerConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op: writes to the shared datagram socket do not
// block on the peer.
func (c *peerConn) SetWriteDeadline(time.Time) error { return nil }
