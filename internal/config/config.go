// Package config loads and validates the relay's JSON configuration
// file. No library in the retrieval pack covers config loading for a
// single-binary relay like this one, so this one ambient-stack piece
// stays on the standard library's encoding/json (see DESIGN.md).
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Protocol selects which handshake parser and framing a listener uses.
type Protocol string

const (
	ProtocolVLESSWebSocket  Protocol = "vless-ws"
	ProtocolTrojanWebSocket Protocol = "trojan-ws"
	ProtocolRawTCP          Protocol = "rawtcp"
	ProtocolHTTPProxy       Protocol = "http-proxy"
)

// Config is the enumerated configuration surface from spec.md §6.
type Config struct {
	ListenPort int      `json:"listen_port"`
	Protocol   Protocol `json:"protocol"`

	AllowedUUIDs        []string `json:"allowed_uuids"`
	AllowedTrojanHashes []string `json:"allowed_trojan_hashes"`

	ConnectTimeoutMs       int `json:"connect_timeout_ms"`
	HandshakeTimeoutMs     int `json:"handshake_timeout_ms"`
	UpstreamIdleTimeoutMs  int `json:"upstream_idle_timeout_ms"`
	MaxHandshakeBufferBytes int `json:"max_handshake_buffer_bytes"`

	UDPTargetHost string `json:"udp_target_host"`
	UDPTargetPort int    `json:"udp_target_port"`
	UDPIdleMs     int    `json:"udp_idle_ms"`

	// RawTCPChecksum enables the optional CRC-32c header integrity
	// trailer on the rawtcp protocol (see SPEC_FULL.md §7).
	RawTCPChecksum bool `json:"rawtcp_checksum"`

	// TrustProxyProtocol accepts an optional leading PROXY protocol
	// (v1/v2) header ahead of every connection's own handshake bytes,
	// for deployments fronted by a load balancer or reverse proxy.
	TrustProxyProtocol bool `json:"trust_proxy_protocol"`

	// ProxyProtocolChecksum validates the PROXY protocol v2 CRC-32c TLV
	// when TrustProxyProtocol is set and the header carries one; a v2
	// header without that TLV is accepted. Ignored for v1, which has no
	// checksum TLV.
	ProxyProtocolChecksum bool `json:"trust_proxy_protocol_checksum"`

	// ProxyProtocolHeaderTimeoutMs bounds how long the Listener
	// Supervisor waits for a PROXY protocol header before giving up on
	// the connection, separate from HandshakeTimeoutMs which only
	// starts once the relay's own handshake parsing begins.
	ProxyProtocolHeaderTimeoutMs int `json:"trust_proxy_protocol_header_timeout_ms"`
}

const (
	defaultListenPort              = 8100
	defaultConnectTimeout          = 15000
	defaultHandshakeTimeout        = 15000
	defaultUpstreamIdle            = 30000
	defaultMaxHandshake            = 8192
	defaultUDPIdle                 = 300000
	defaultProxyProtocolHeaderTime = 2000
)

// Load reads and validates a Config from a JSON file, applying the
// defaults spec.md §6 lists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read file")
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "config: parse json")
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "config: validate")
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = defaultListenPort
	}
	if c.ConnectTimeoutMs == 0 {
		c.ConnectTimeoutMs = defaultConnectTimeout
	}
	if c.HandshakeTimeoutMs == 0 {
		c.HandshakeTimeoutMs = defaultHandshakeTimeout
	}
	if c.UpstreamIdleTimeoutMs == 0 {
		c.UpstreamIdleTimeoutMs = defaultUpstreamIdle
	}
	if c.MaxHandshakeBufferBytes == 0 {
		c.MaxHandshakeBufferBytes = defaultMaxHandshake
	}
	if c.UDPIdleMs == 0 {
		c.UDPIdleMs = defaultUDPIdle
	}
	if c.ProxyProtocolHeaderTimeoutMs == 0 {
		c.ProxyProtocolHeaderTimeoutMs = defaultProxyProtocolHeaderTime
	}
}

// Validate reports a config error for any field outside its allowed
// range or an unrecognized protocol.
func (c *Config) Validate() error {
	switch c.Protocol {
	case ProtocolVLESSWebSocket, ProtocolTrojanWebSocket, ProtocolRawTCP, ProtocolHTTPProxy:
	default:
		return errors.Errorf("config: unknown protocol %q", c.Protocol)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.Errorf("config: listen_port %d out of range", c.ListenPort)
	}
	if c.Protocol == ProtocolVLESSWebSocket && len(c.AllowedUUIDs) == 0 {
		return errors.New("config: vless-ws requires at least one allowed_uuids entry")
	}
	if c.UDPTargetHost != "" && (c.UDPTargetPort < 1 || c.UDPTargetPort > 65535) {
		return errors.Errorf("config: udp_target_port %d out of range", c.UDPTargetPort)
	}
	return nil
}
