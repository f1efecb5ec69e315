package dtlsserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tternquist/datagram-dns-proxy/internal/config"
	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/proxy"
)

// Config holds the DTLS listener parameters.
type Config struct {
	Host string // "" = localhost
	Port int    // 0 = 853
	// HelloDoneDelay paces the ServerHelloDone flight; 0 disables.
	HelloDoneDelay time.Duration
}

// Server answers DNS queries over DTLS. One shared UDP socket feeds the
// session layer; decrypted queries are dispatched with the DTLS peer
// address as the requester token and responses travel back through the
// peer's session.
type Server struct {
	conn       *net.UDPConn
	wrapper    *Wrapper
	dispatcher *proxy.Dispatcher
	logger     *slog.Logger

	closeOnce sync.Once
	loopDone  chan struct{}
}

// New validates the PSK credentials, binds the socket and starts serving.
func New(cfg Config, creds *config.Credentials, dispatcher *proxy.Dispatcher, logger *slog.Logger) (*Server, error) {
	if err := CheckCredentials(creds); err != nil {
		return nil, err
	}

	host := cfg.Host
	if host == "" {
		host = config.DefaultHost
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultDTLSPort
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logging.OrDiscard(logger),
		loopDone:   make(chan struct{}),
	}
	s.wrapper = NewWrapper(conn, PSKConfig(creds), cfg.HelloDoneDelay, s.queryReceived, logger)
	s.logger.Info("DNS-over-DTLS server listening", "addr", conn.LocalAddr())
	go s.readLoop()
	return s, nil
}

// CheckCredentials verifies the PSK config is complete, naming the missing
// key in the error.
func CheckCredentials(creds *config.Credentials) error {
	if creds == nil || creds.ClientIdentity == "" {
		return fmt.Errorf("%w: client_identity", ErrMissingCredential)
	}
	if creds.PSK == "" {
		return fmt.Errorf("%w: psk", ErrMissingCredential)
	}
	return nil
}

// LocalAddr returns the bound socket address.
func (s *Server) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Wrapper exposes the session layer (used by tests and introspection).
func (s *Server) Wrapper() *Wrapper { return s.wrapper }

func (s *Server) readLoop() {
	defer close(s.loopDone)
	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("dtls socket read failed", "error", err)
			continue
		}
		s.wrapper.HandleMessage(buf[:n], peer)
	}
}

func (s *Server) queryReceived(payload []byte, peer *net.UDPAddr) {
	s.dispatcher.Dispatch(payload, peer, s.sendResponse)
}

func (s *Server) sendResponse(response []byte, requester any) {
	s.wrapper.Write(response, requester.(*net.UDPAddr))
}

// Close tears down every DTLS session (sending close_notify where the
// handshake had completed), then closes the socket. Idempotent.
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.wrapper.Close()
		err = s.conn.Close()
	})
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
