package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tternquist/datagram-dns-proxy/internal/config"
)

func TestParseFlags_TransportsAndUpstream(t *testing.T) {
	opts, err := parseFlags([]string{"-u", "-d=[::1]:2304", "-U", "udp+tcp://9.9.9.9:53"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !opts.udp.set || opts.udp.host != "" || opts.udp.port != 0 {
		t.Errorf("bare -u = %+v, want set with defaults", opts.udp)
	}
	if !opts.dtls.set || opts.dtls.host != "::1" || opts.dtls.port != 2304 {
		t.Errorf("-d=[::1]:2304 = %+v", opts.dtls)
	}
	u := opts.upstream.upstream
	if u == nil || u.Host != "9.9.9.9" || u.Port != 53 || u.Transport != "udp+tcp" {
		t.Errorf("upstream = %+v", u)
	}
}

func TestParseFlags_UpstreamDefaults(t *testing.T) {
	opts, err := parseFlags([]string{"-u", "-U", "9.9.9.9"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	u := opts.upstream.upstream
	if u == nil || u.Host != "9.9.9.9" || u.Port != 0 || u.Transport != "udp" {
		t.Errorf("upstream = %+v, want host-only with udp default", u)
	}
}

func TestParseFlags_InvalidUpstreamTransport(t *testing.T) {
	if _, err := parseFlags([]string{"-U", "quic://9.9.9.9"}); err == nil {
		t.Error("expected error for unknown upstream transport")
	}
}

func TestParseFlags_Credentials(t *testing.T) {
	opts, err := parseFlags([]string{"-u", "-U", "9.9.9.9", "-dtls-credentials", "Client_identifier:secretPSK"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	creds := opts.creds.creds
	if creds == nil || creds.ClientIdentity != "Client_identifier" || creds.PSK != "secretPSK" {
		t.Errorf("credentials = %+v", creds)
	}
}

func TestParseFlags_MalformedCredentials(t *testing.T) {
	if _, err := parseFlags([]string{"-dtls-credentials", "no-separator"}); err == nil {
		t.Error("expected error for malformed credentials")
	}
}

func TestParseFlags_PositionalArgsRejected(t *testing.T) {
	if _, err := parseFlags([]string{"-u", "stray", "args"}); err == nil {
		t.Error("expected error for positional arguments")
	}
}

func TestBuildConfig_RequiresUpstream(t *testing.T) {
	opts, err := parseFlags([]string{"-u"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if _, err := buildConfig(opts); err == nil {
		t.Error("expected error when no upstream is configured")
	}
}

func TestBuildConfig_RequiresTransport(t *testing.T) {
	opts, err := parseFlags([]string{"-U", "9.9.9.9"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if _, err := buildConfig(opts); err == nil {
		t.Error("expected error when no transports are enabled")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestBuildConfig_CLIOverridesFile(t *testing.T) {
	path := writeConfig(t, `
upstream_dns:
  host: 1.1.1.1
  port: 53
transports:
  udp:
    host: 127.0.0.1
    port: 5300
dtls:
  server_hello_done_delay: 0.5
`)
	opts, err := parseFlags([]string{"-C", path, "-u=127.0.0.2:5301", "-U", "tcp://9.9.9.9:5353"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.UpstreamDNS.Host != "9.9.9.9" || cfg.UpstreamDNS.Transport != "tcp" {
		t.Errorf("upstream = %+v, want CLI value", cfg.UpstreamDNS)
	}
	if cfg.Transports.UDP.Host != "127.0.0.2" || cfg.Transports.UDP.Port != 5301 {
		t.Errorf("udp listen = %+v, want CLI value", cfg.Transports.UDP)
	}
	// File-only keys survive the merge.
	if got := cfg.DTLS.ServerHelloDoneDelay.Duration; got.Milliseconds() != 500 {
		t.Errorf("server_hello_done_delay = %s, want 500ms", got)
	}
}

func TestBuildConfig_FileOnly(t *testing.T) {
	path := writeConfig(t, `
upstream_dns:
  host: 1.1.1.1
mock_dns_upstream:
  IN:
    A: 10.0.0.1
    AAAA: "::1"
transports:
  coap:
    host: "::1"
    path: dns-query
`)
	opts, err := parseFlags([]string{"-C", path})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.MockDNSUpstream == nil || cfg.MockDNSUpstream.IN.A != "10.0.0.1" {
		t.Errorf("mock upstream = %+v", cfg.MockDNSUpstream)
	}
	if got := cfg.CoAPPath(); got != "/dns-query" {
		t.Errorf("coap path = %q, want /dns-query", got)
	}
}

func TestBuildUpstream_Mock(t *testing.T) {
	cfg := &config.Config{
		MockDNSUpstream: &config.MockUpstreamConfig{IN: config.MockINConfig{A: "10.0.0.1"}},
	}
	ex, err := buildUpstream(cfg, nil)
	if err != nil {
		t.Fatalf("buildUpstream: %v", err)
	}
	if ex == nil {
		t.Fatal("expected an exchanger")
	}
}

func TestBuildUpstream_InvalidMockAddress(t *testing.T) {
	cfg := &config.Config{
		MockDNSUpstream: &config.MockUpstreamConfig{IN: config.MockINConfig{A: "not-an-ip"}},
	}
	if _, err := buildUpstream(cfg, nil); err == nil {
		t.Error("expected error for malformed mock address")
	}
}
