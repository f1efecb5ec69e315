package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the client-facing listeners and the upstream.
const (
	DefaultUDPPort      = 53
	DefaultDTLSPort     = 853
	DefaultCoAPPort     = 5683
	DefaultCoAPSPort    = 5684
	DefaultUpstreamPort = 53
	DefaultCoAPPath     = "/dns"
	DefaultHost         = "localhost"
)

// ErrNoUpstream is returned by Validate when neither an upstream resolver
// nor a mock upstream is configured.
var ErrNoUpstream = errors.New("no upstream DNS server provided")

// ErrNoTransports is returned by Validate when no client-facing transport
// is enabled.
var ErrNoTransports = errors.New("no proxy transports configured")

// Duration wraps time.Duration for YAML. It accepts duration strings
// ("500ms"), bare integers (seconds) and floats (seconds), so configs
// written for the original float-seconds knobs keep working.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	switch value.Tag {
	case "!!int":
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	case "!!float":
		seconds, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("invalid duration float %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the full proxy configuration, assembled once at startup from
// the YAML file and CLI flags (CLI wins key-by-key) and frozen before any
// server starts.
type Config struct {
	UpstreamDNS     *UpstreamDNSConfig `yaml:"upstream_dns"`
	MockDNSUpstream *MockUpstreamConfig `yaml:"mock_dns_upstream"`
	Transports      TransportsConfig   `yaml:"transports"`
	DTLSCredentials *Credentials       `yaml:"dtls_credentials"`
	DTLS            DTLSConfig         `yaml:"dtls"`

	// DoNotAutoFlowLabel disables kernel IPv6 flow-label autogeneration on
	// the UDP listener socket (Linux only).
	DoNotAutoFlowLabel bool `yaml:"do_not_auto_flow_label"`

	UpstreamTimeout Duration `yaml:"upstream_timeout"` // per-query timeout; 0 = client default
	MaxQPS          int      `yaml:"max_qps"`          // inbound query rate limit; 0 = unlimited

	Log     LogConfig     `yaml:"log"`
	Control ControlConfig `yaml:"control"`
}

// UpstreamDNSConfig names the proxied recursive resolver.
type UpstreamDNSConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`      // 0 = 53
	Transport string `yaml:"transport"` // udp (default), tcp, udp+tcp
}

// MockUpstreamConfig replaces the network upstream with fixed answers.
type MockUpstreamConfig struct {
	IN MockINConfig `yaml:"IN"`
}

// MockINConfig holds the class IN records the mock upstream answers with.
type MockINConfig struct {
	A    string `yaml:"A"`
	AAAA string `yaml:"AAAA"`
}

// TransportsConfig enables the client-facing servers.
type TransportsConfig struct {
	UDP  *ListenConfig     `yaml:"udp"`
	DTLS *ListenConfig     `yaml:"dtls"`
	CoAP *CoAPListenConfig `yaml:"coap"`
}

// ListenConfig is a host/port pair for a datagram listener.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"` // 0 = transport default
}

// CoAPListenConfig extends ListenConfig with the resource path.
type CoAPListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"` // 0-value = /dns
}

// Credentials holds the PSK identity/key pair shared by the DTLS and
// CoAPS listeners.
type Credentials struct {
	ClientIdentity string `yaml:"client_identity"`
	PSK            string `yaml:"psk"`
}

// DTLSConfig holds DTLS tuning knobs.
type DTLSConfig struct {
	// ServerHelloDoneDelay paces the ServerHelloDone flight for slow
	// constrained peers. 0 disables.
	ServerHelloDoneDelay Duration `yaml:"server_hello_done_delay"`
}

// LogConfig selects log output format and level.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// ControlConfig enables the observability HTTP listener.
type ControlConfig struct {
	Listen string `yaml:"listen"` // empty = disabled
}

// Load reads and parses the YAML config at path. A missing path yields an
// empty config so a flags-only invocation works.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the assembled config for fatal omissions.
func (c *Config) Validate() error {
	if c.UpstreamDNS == nil && c.MockDNSUpstream == nil {
		return ErrNoUpstream
	}
	if c.UpstreamDNS != nil && c.UpstreamDNS.Host == "" {
		return fmt.Errorf("upstream_dns: %w", ErrNoUpstream)
	}
	if c.Transports.UDP == nil && c.Transports.DTLS == nil && c.Transports.CoAP == nil {
		return ErrNoTransports
	}
	return nil
}

// CoAPPath returns the configured CoAP resource path, defaulting to /dns.
func (c *Config) CoAPPath() string {
	if c.Transports.CoAP != nil && c.Transports.CoAP.Path != "" {
		p := c.Transports.CoAP.Path
		if p[0] != '/' {
			p = "/" + p
		}
		return p
	}
	return DefaultCoAPPath
}
