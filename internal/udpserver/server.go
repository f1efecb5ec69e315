// Package udpserver implements the plain DNS-over-UDP side of the proxy.
package udpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/tternquist/datagram-dns-proxy/internal/config"
	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/proxy"
)

// ErrUnsupportedPlatform is returned when do_not_auto_flow_label is
// requested on a host OS without the IPV6_AUTOFLOWLABEL socket option.
var ErrUnsupportedPlatform = errors.New("do_not_auto_flow_label is only supported on Linux")

const maxDatagramSize = 65535

// Config holds the listener parameters.
type Config struct {
	Host string // "" = localhost
	Port int    // 0 = 53
	// DisableAutoFlowLabel clears IPV6_AUTOFLOWLABEL on the bound socket.
	DisableAutoFlowLabel bool
}

// Server answers DNS queries over a single UDP socket. Each datagram is
// dispatched with its peer address as the requester token; the response is
// sent back to exactly that peer.
type Server struct {
	conn       *net.UDPConn
	dispatcher *proxy.Dispatcher
	logger     *slog.Logger

	closeOnce sync.Once
	loopDone  chan struct{}
}

// New binds the UDP socket and starts the read loop.
func New(cfg Config, dispatcher *proxy.Dispatcher, logger *slog.Logger) (*Server, error) {
	host := cfg.Host
	if host == "" {
		host = config.DefaultHost
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultUDPPort
	}

	var lc net.ListenConfig
	if cfg.DisableAutoFlowLabel {
		if !autoFlowLabelSupported {
			return nil, ErrUnsupportedPlatform
		}
		lc.Control = disableAutoFlowLabel
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	s := &Server{
		conn:       pc.(*net.UDPConn),
		dispatcher: dispatcher,
		logger:     logging.OrDiscard(logger),
		loopDone:   make(chan struct{}),
	}
	s.logger.Info("DNS-over-UDP server listening", "addr", s.conn.LocalAddr())
	go s.readLoop()
	return s, nil
}

// LocalAddr returns the bound socket address.
func (s *Server) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *Server) readLoop() {
	defer close(s.loopDone)
	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient read errors (e.g. ICMP unreachable surfaced on the
			// socket) must not stop the server.
			s.logger.Warn("udp read failed", "error", err)
			continue
		}
		query := make([]byte, n)
		copy(query, buf[:n])
		s.dispatcher.Dispatch(query, peer, s.sendResponse)
	}
}

func (s *Server) sendResponse(response []byte, requester any) {
	peer := requester.(*net.UDPAddr)
	if _, err := s.conn.WriteToUDP(response, peer); err != nil {
		// Expected after Close for responses completing late.
		s.logger.Debug("udp write failed", "peer", peer, "error", err)
	}
}

// Close shuts the socket down and waits for the read loop. Idempotent.
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
