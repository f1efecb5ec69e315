// Command datagram-dns-proxy proxies DNS queries arriving over UDP, DTLS
// and CoAP/CoAPS to a single upstream recursive resolver.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tternquist/datagram-dns-proxy/internal/coapserver"
	"github.com/tternquist/datagram-dns-proxy/internal/config"
	"github.com/tternquist/datagram-dns-proxy/internal/control"
	"github.com/tternquist/datagram-dns-proxy/internal/dtlsserver"
	"github.com/tternquist/datagram-dns-proxy/internal/logging"
	"github.com/tternquist/datagram-dns-proxy/internal/metrics"
	"github.com/tternquist/datagram-dns-proxy/internal/proxy"
	"github.com/tternquist/datagram-dns-proxy/internal/udpserver"
	"github.com/tternquist/datagram-dns-proxy/internal/upstream"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := logging.NewLogger(os.Stderr, logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	metrics.Init()

	exchanger, err := buildUpstream(cfg, logger)
	if err != nil {
		logger.Error("failed to build upstream client", "error", err)
		return 1
	}

	servers, err := startServers(cfg, exchanger, logger)
	if err != nil {
		logger.Error("failed to start servers", "error", err)
		closeServers(servers, logger)
		return 1
	}

	controlServer := control.Start(cfg.Control.Listen, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutdown requested")

	closeServers(servers, logger)
	if controlServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = controlServer.Shutdown(shutdownCtx)
		cancel()
	}
	return 0
}

// buildUpstream returns the mock upstream when one is configured and the
// network client otherwise.
func buildUpstream(cfg *config.Config, logger *slog.Logger) (upstream.Exchanger, error) {
	if cfg.MockDNSUpstream != nil {
		var a, aaaa any
		if cfg.MockDNSUpstream.IN.A != "" {
			a = cfg.MockDNSUpstream.IN.A
		}
		if cfg.MockDNSUpstream.IN.AAAA != "" {
			aaaa = cfg.MockDNSUpstream.IN.AAAA
		}
		return upstream.NewMock(a, aaaa)
	}

	transport, err := upstream.ParseTransport(cfg.UpstreamDNS.Transport)
	if err != nil {
		return nil, err
	}
	return upstream.NewClient(cfg.UpstreamDNS.Host, cfg.UpstreamDNS.Port, transport, cfg.UpstreamTimeout.Duration, logger)
}

// startServers brings up every enabled transport, returning the started
// set (also on error, so the caller can close what did start).
func startServers(cfg *config.Config, exchanger upstream.Exchanger, logger *slog.Logger) ([]proxy.Server, error) {
	var servers []proxy.Server
	newDispatcher := func(transport string) *proxy.Dispatcher {
		return proxy.NewDispatcher(exchanger, cfg.UpstreamTimeout.Duration, cfg.MaxQPS, transport, logger)
	}

	if t := cfg.Transports.UDP; t != nil {
		server, err := udpserver.New(udpserver.Config{
			Host:                 t.Host,
			Port:                 t.Port,
			DisableAutoFlowLabel: cfg.DoNotAutoFlowLabel,
		}, newDispatcher("udp"), logger)
		if err != nil {
			return servers, fmt.Errorf("udp server: %w", err)
		}
		servers = append(servers, server)
	}

	if t := cfg.Transports.DTLS; t != nil {
		server, err := dtlsserver.New(dtlsserver.Config{
			Host:           t.Host,
			Port:           t.Port,
			HelloDoneDelay: cfg.DTLS.ServerHelloDoneDelay.Duration,
		}, cfg.DTLSCredentials, newDispatcher("dtls"), logger)
		if err != nil {
			return servers, fmt.Errorf("dtls server: %w", err)
		}
		servers = append(servers, server)
	}

	if t := cfg.Transports.CoAP; t != nil {
		server, err := coapserver.New(coapserver.Config{
			Host: t.Host,
			Port: t.Port,
			Path: cfg.CoAPPath(),
		}, cfg.DTLSCredentials, newDispatcher("coap"), logger)
		if err != nil {
			return servers, fmt.Errorf("coap server: %w", err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func closeServers(servers []proxy.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Close(ctx); err != nil {
			logger.Warn("server close failed", "error", err)
		}
	}
}
