// Package dtlsserver implements the DNS-over-DTLS side of the proxy: a
// session layer that bridges one shared datagram socket to per-peer DTLS
// state machines, and the server composed on top of it.
package dtlsserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/tternquist/datagram-dns-proxy/internal/config"
	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/metrics"
)

// ErrMissingCredential is returned when a DTLS-secured server is built
// without a PSK identity or key.
var ErrMissingCredential = errors.New("DTLS credential option not found")

const (
	maxDatagramSize  = 65535
	handshakeTimeout = 30 * time.Second
	// inboundQueueLen buffers datagrams per peer between the socket read
	// loop and the session's DTLS state machine.
	inboundQueueLen = 64
)

// RecvFunc receives one decrypted application datagram from a peer.
type RecvFunc func(payload []byte, peer *net.UDPAddr)

// session is one peer's DTLS state: the inbound ciphertext queue feeding
// the handshake/record layer and, once established, the decrypting conn.
type session struct {
	peer    *net.UDPAddr
	inbound chan []byte

	done     chan struct{}
	doneOnce sync.Once

	// conn is set under the wrapper mutex once the handshake completes.
	conn *dtls.Conn
}

func (s *session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Wrapper demultiplexes DTLS traffic on one shared datagram socket into
// per-peer sessions. Inbound datagrams are routed by peer address; each
// decrypted payload is handed to the recv callback; outbound payloads are
// encrypted through the peer's established session.
type Wrapper struct {
	conn           net.PacketConn
	dtlsConfig     *dtls.Config
	helloDoneDelay time.Duration
	recv           RecvFunc
	logger         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// PSKConfig builds the pion/dtls server configuration for the proxy's PSK
// credentials: identity hint from the configured client identity, RFC 7925
// ciphersuites, and a bounded handshake.
func PSKConfig(creds *config.Credentials) *dtls.Config {
	identity := []byte(creds.ClientIdentity)
	psk := []byte(creds.PSK)
	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			if len(hint) > 0 && !bytes.Equal(hint, identity) {
				return nil, fmt.Errorf("unknown PSK identity %q", hint)
			}
			return psk, nil
		},
		PSKIdentityHint: identity,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
			dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
		},
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), handshakeTimeout)
		},
	}
}

// NewWrapper builds a session layer over pc. recv is invoked once per
// decrypted datagram with a freshly allocated payload slice, which it may
// retain.
func NewWrapper(pc net.PacketConn, dtlsConfig *dtls.Config, helloDoneDelay time.Duration, recv RecvFunc, logger *slog.Logger) *Wrapper {
	return &Wrapper{
		conn:           pc,
		dtlsConfig:     dtlsConfig,
		helloDoneDelay: helloDoneDelay,
		recv:           recv,
		logger:         logging.OrDiscard(logger),
		sessions:       make(map[string]*session),
	}
}

// HandleMessage routes one inbound datagram to its peer's session,
// creating the session (and starting its handshake) for an unknown peer.
func (w *Wrapper) HandleMessage(msg []byte, peer *net.UDPAddr) {
	key := peer.String()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	sess, ok := w.sessions[key]
	if !ok {
		sess = &session{
			peer:    peer,
			inbound: make(chan []byte, inboundQueueLen),
			done:    make(chan struct{}),
		}
		w.sessions[key] = sess
		go w.runSession(sess)
	}
	w.mu.Unlock()

	datagram := make([]byte, len(msg))
	copy(datagram, msg)
	select {
	case sess.inbound <- datagram:
	default:
		w.logger.Warn("DTLS inbound queue full, dropping datagram", "peer", peer)
	}
}

// runSession performs the handshake for one peer and then pumps decrypted
// payloads to the recv callback until the session ends.
func (w *Wrapper) runSession(sess *session) {
	defer w.removeSession(sess)

	pc := &peerConn{wrapper: w, sess: sess}
	conn, err := dtls.Server(pc, w.dtlsConfig)
	if err != nil {
		w.logger.Warn("unable to handle incoming DTLS message", "peer", sess.peer, "error", err)
		metrics.DTLSHandshakeFailuresTotal.Inc()
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	sess.conn = conn
	w.mu.Unlock()

	metrics.DTLSHandshakesTotal.Inc()
	metrics.DTLSActiveSessions.Inc()
	defer metrics.DTLSActiveSessions.Dec()
	w.logger.Info("DTLS session established", "peer", sess.peer)

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			w.logger.Debug("DTLS session ended", "peer", sess.peer, "error", err)
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		w.recv(payload, sess.peer)
	}
}

func (w *Wrapper) removeSession(sess *session) {
	w.mu.Lock()
	key := sess.peer.String()
	if current, ok := w.sessions[key]; ok && current == sess {
		delete(w.sessions, key)
	}
	w.mu.Unlock()
	sess.markDone()
}

// IsConnected reports whether a DTLS session with peer is established.
func (w *Wrapper) IsConnected(peer *net.UDPAddr) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	sess, ok := w.sessions[peer.String()]
	return ok && sess.conn != nil
}

// Sessions returns the peers with established sessions.
func (w *Wrapper) Sessions() []*net.UDPAddr {
	w.mu.Lock()
	defer w.mu.Unlock()
	peers := make([]*net.UDPAddr, 0, len(w.sessions))
	for _, sess := range w.sessions {
		if sess.conn != nil {
			peers = append(peers, sess.peer)
		}
	}
	return peers
}

// Write encrypts msg to peer. Without an established session the message
// is dropped with a warning; no ciphertext is emitted.
func (w *Wrapper) Write(msg []byte, peer *net.UDPAddr) {
	w.mu.Lock()
	sess, ok := w.sessions[peer.String()]
	var conn *dtls.Conn
	if ok {
		conn = sess.conn
	}
	w.mu.Unlock()

	if conn == nil {
		w.logger.Warn("peer does not have an active session", "peer", peer)
		return
	}
	if _, err := conn.Write(msg); err != nil {
		w.logger.Warn("DTLS write failed", "peer", peer, "error", err)
	}
}

// CloseSession tears down the session with peer, sending close_notify when
// the handshake had completed. No-op for unknown peers.
func (w *Wrapper) CloseSession(peer *net.UDPAddr) {
	w.mu.Lock()
	sess, ok := w.sessions[peer.String()]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.closeSession(sess)
}

func (w *Wrapper) closeSession(sess *session) {
	w.mu.Lock()
	conn := sess.conn
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	sess.markDone()
	w.removeSession(sess)
}

// Close tears down every session and stops accepting new ones. The shared
// socket itself belongs to the server and is closed there. Idempotent.
func (w *Wrapper) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	open := make([]*session, 0, len(w.sessions))
	for _, sess := range w.sessions {
		open = append(open, sess)
	}
	w.mu.Unlock()

	for _, sess := range open {
		w.closeSession(sess)
	}
}
