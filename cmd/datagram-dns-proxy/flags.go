package main

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tternquist/datagram-dns-proxy/internal/config"
	"github.com/tternquist/datagram-dns-proxy/internal/upstream"
)

// listenFlag enables one client-facing transport. The bare flag (-u)
// enables the transport with its defaults; -u=HOST, -u=HOST:PORT and
// -u=:PORT override them. Registered as a boolean-style flag so the bare
// form parses.
type listenFlag struct {
	set  bool
	host string
	port int
}

func (f *listenFlag) String() string {
	if !f.set {
		return ""
	}
	return net.JoinHostPort(f.host, strconv.Itoa(f.port))
}

func (f *listenFlag) IsBoolFlag() bool { return true }

func (f *listenFlag) Set(value string) error {
	f.set = true
	if value == "true" || value == "" {
		return nil
	}
	host, port, err := splitHostPort(value)
	if err != nil {
		return err
	}
	f.host = host
	f.port = port
	return nil
}

// credentialsFlag parses --dtls-credentials=CLIENT_ID:PSK.
type credentialsFlag struct {
	creds *config.Credentials
}

func (f *credentialsFlag) String() string {
	if f.creds == nil {
		return ""
	}
	return f.creds.ClientIdentity + ":***"
}

func (f *credentialsFlag) Set(value string) error {
	identity, psk, ok := strings.Cut(value, ":")
	if !ok || identity == "" || psk == "" {
		return fmt.Errorf("credentials must be CLIENT_ID:PSK")
	}
	f.creds = &config.Credentials{ClientIdentity: identity, PSK: psk}
	return nil
}

// upstreamFlag parses -U=[udp|tcp|udp+tcp://]HOST[:PORT].
type upstreamFlag struct {
	upstream *config.UpstreamDNSConfig
}

func (f *upstreamFlag) String() string {
	if f.upstream == nil {
		return ""
	}
	return f.upstream.Host
}

func (f *upstreamFlag) Set(value string) error {
	transport := "udp"
	if scheme, rest, ok := strings.Cut(value, "://"); ok {
		if _, err := upstream.ParseTransport(scheme); err != nil {
			return err
		}
		transport = scheme
		value = rest
	}
	if value == "" {
		return fmt.Errorf("upstream host is required")
	}
	host, port, err := splitHostPort(value)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("upstream host is required")
	}
	f.upstream = &config.UpstreamDNSConfig{Host: host, Port: port, Transport: transport}
	return nil
}

// splitHostPort parses HOST, HOST:PORT, [V6HOST]:PORT and :PORT forms;
// a missing port yields 0 (transport default).
func splitHostPort(value string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(value)
	if err != nil {
		// No port part: bare host (possibly a bracketed IPv6 literal).
		return strings.Trim(value, "[]"), 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// cliOptions is the parsed flag set before merging with the config file.
type cliOptions struct {
	configFile string
	udp        listenFlag
	dtls       listenFlag
	coap       listenFlag
	creds      credentialsFlag
	upstream   upstreamFlag
	logFormat  string
	logLevel   string
}

func parseFlags(args []string) (*cliOptions, error) {
	opts := &cliOptions{}
	fs := flag.NewFlagSet("datagram-dns-proxy", flag.ContinueOnError)
	fs.StringVar(&opts.configFile, "C", "", "YAML config file")
	fs.StringVar(&opts.configFile, "config-file", "", "YAML config file")
	fs.Var(&opts.udp, "u", "enable the DNS-over-UDP server (-u or -u=HOST:PORT)")
	fs.Var(&opts.udp, "udp", "enable the DNS-over-UDP server")
	fs.Var(&opts.dtls, "d", "enable the DNS-over-DTLS server (-d or -d=HOST:PORT)")
	fs.Var(&opts.dtls, "dtls", "enable the DNS-over-DTLS server")
	fs.Var(&opts.coap, "c", "enable the DNS-over-CoAP server (-c or -c=HOST:PORT)")
	fs.Var(&opts.coap, "coap", "enable the DNS-over-CoAP server")
	fs.Var(&opts.creds, "dtls-credentials", "PSK credentials as CLIENT_ID:PSK")
	fs.Var(&opts.upstream, "U", "upstream resolver as [udp|tcp|udp+tcp://]HOST[:PORT]")
	fs.Var(&opts.upstream, "upstream-dns", "upstream resolver")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected positional arguments: %v", fs.Args())
	}
	return opts, nil
}

// buildConfig merges the YAML file with the CLI flags, CLI winning
// key-by-key, and validates the result.
func buildConfig(opts *cliOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}

	if opts.udp.set {
		if cfg.Transports.UDP == nil {
			cfg.Transports.UDP = &config.ListenConfig{}
		}
		applyListen(opts.udp, &cfg.Transports.UDP.Host, &cfg.Transports.UDP.Port)
	}
	if opts.dtls.set {
		if cfg.Transports.DTLS == nil {
			cfg.Transports.DTLS = &config.ListenConfig{}
		}
		applyListen(opts.dtls, &cfg.Transports.DTLS.Host, &cfg.Transports.DTLS.Port)
	}
	if opts.coap.set {
		if cfg.Transports.CoAP == nil {
			cfg.Transports.CoAP = &config.CoAPListenConfig{}
		}
		applyListen(opts.coap, &cfg.Transports.CoAP.Host, &cfg.Transports.CoAP.Port)
	}
	if opts.creds.creds != nil {
		cfg.DTLSCredentials = opts.creds.creds
	}
	if opts.upstream.upstream != nil {
		cfg.UpstreamDNS = opts.upstream.upstream
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyListen(f listenFlag, host *string, port *int) {
	if f.host != "" {
		*host = f.host
	}
	if f.port != 0 {
		*port = f.port
	}
}
