// Package coapserver implements the DNS-over-CoAP side of the proxy: one
// resource answering GET/POST/FETCH with the application/dns-message
// content format, over plain CoAP and, when PSK credentials are
// configured, CoAPS.
package coapserver

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"

	coapdtls "github.com/plgd-dev/go-coap/v2/dtls"
	"github.com/plgd-dev/go-coap/v2/mux"
	coapnet "github.com/plgd-dev/go-coap/v2/net"
	coapudp "github.com/plgd-dev/go-coap/v2/udp"

	"github.com/tternquist/datagram-dns-proxy/internal/config"
	"github.com/tternquist/datagram-dns-proxy/internal/dtlsserver"
	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/proxy"
)

// Config holds the CoAP listener parameters.
type Config struct {
	Host string // "" = localhost
	Port int    // 0 = 5683 (CoAPS: 5684)
	Path string // "" = /dns
}

// Server runs the CoAP listener and, when credentials are given, the
// CoAPS listener, both routing to the same DNS resource.
type Server struct {
	udpListener  *coapnet.UDPConn
	udpServer    *coapudp.Server
	dtlsListener *coapnet.DTLSListener
	dtlsServer   *coapdtls.Server
	logger       *slog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the CoAP server. A nil creds disables CoAPS; a non-nil but
// incomplete creds fails construction naming the missing key (the CoAPS
// listener shares the DTLS PSK store).
func New(cfg Config, creds *config.Credentials, dispatcher *proxy.Dispatcher, logger *slog.Logger) (*Server, error) {
	if creds != nil {
		if err := dtlsserver.CheckCredentials(creds); err != nil {
			return nil, err
		}
	}

	host := cfg.Host
	if host == "" {
		host = config.DefaultHost
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultCoAPPort
	}
	path := cfg.Path
	if path == "" {
		path = config.DefaultCoAPPath
	}

	logger = logging.OrDiscard(logger)
	router := mux.NewRouter()
	rs := newResource(dispatcher, logger)
	if err := router.Handle(path, mux.HandlerFunc(rs.handle)); err != nil {
		return nil, err
	}

	s := &Server{logger: logger}

	udpListener, err := coapnet.NewListenUDP("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	s.udpListener = udpListener
	s.udpServer = coapudp.NewServer(coapudp.WithMux(router))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.udpServer.Serve(udpListener); err != nil {
			s.logger.Debug("coap server stopped", "error", err)
		}
	}()
	logger.Info("DNS-over-CoAP server listening", "addr", udpListener.LocalAddr(), "path", path)

	if creds != nil {
		coapsPort := config.DefaultCoAPSPort
		if cfg.Port != 0 {
			coapsPort = cfg.Port + 1
		}
		dtlsListener, err := coapnet.NewDTLSListener("udp", net.JoinHostPort(host, strconv.Itoa(coapsPort)), dtlsserver.PSKConfig(creds))
		if err != nil {
			_ = s.Close(context.Background())
			return nil, err
		}
		s.dtlsListener = dtlsListener
		s.dtlsServer = coapdtls.NewServer(coapdtls.WithMux(router))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.dtlsServer.Serve(dtlsListener); err != nil {
				s.logger.Debug("coaps server stopped", "error", err)
			}
		}()
		logger.Info("DNS-over-CoAPS server listening", "addr", dtlsListener.Addr(), "path", path)
	}

	return s, nil
}

// LocalAddr returns the plain CoAP listener address.
func (s *Server) LocalAddr() net.Addr { return s.udpListener.LocalAddr() }

// CoAPSAddr returns the CoAPS listener address, nil when CoAPS is off.
func (s *Server) CoAPSAddr() net.Addr {
	if s.dtlsListener == nil {
		return nil
	}
	return s.dtlsListener.Addr()
}

// Close stops both listeners and waits for the serve loops. Idempotent.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.udpServer != nil {
			s.udpServer.Stop()
		}
		if s.dtlsServer != nil {
			s.dtlsServer.Stop()
		}
		if s.udpListener != nil {
			_ = s.udpListener.Close()
		}
		if s.dtlsListener != nil {
			_ = s.dtlsListener.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
