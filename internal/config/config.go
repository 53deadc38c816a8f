package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"quictunnel/internal/compress"
	"quictunnel/internal/tunnel"
)

// ErrNoListener means neither a TCP nor a Unix front-end listener is
// configured, so no local connection could ever reach a peer.
var ErrNoListener = errors.New("config: no listener configured (set tcp_listen and/or unix_listen)")

// ValidationError reports one invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a configuration problem rather than a
// runtime failure.
func IsConfigError(err error) bool {
	var ve *ValidationError
	return errors.Is(err, ErrNoListener) || errors.As(err, &ve)
}

type ReloadConfig struct {
	Enabled bool
}

type AdminLogBufferConfig struct {
	Enabled bool
	Size    int
}

type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string
	// Format is one of: json, text.
	Format string
	// Output is one of: stderr, stdout, discard; or a file path.
	Output string
	// AddSource enables source file/line reporting (slightly higher overhead).
	AddSource bool
	// AdminBuffer controls an in-memory log line ring buffer used by the admin server.
	AdminBuffer AdminLogBufferConfig
}

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:       "info",
		Format:      "text",
		Output:      "stderr",
		AdminBuffer: AdminLogBufferConfig{Size: 1000},
	}
}

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultStatsInterval    = 10 * time.Second
	DefaultBufferSize       = 32 * 1024
	DefaultDialTimeout      = 5 * time.Second
)

// ServerConfig drives the relay (reverse_proxy_server).
type ServerConfig struct {
	// CertName is the prefix of <name>_ca.pem, <name>_server.pem and
	// <name>_server.key.pem.
	CertName string
	QUICAddr string

	TCPListen  string
	UDPListen  string
	UnixListen string

	Transport  string
	Congestion string
	Compress   compress.Algo
	ZeroRTT    bool

	HandshakeTimeout time.Duration
	StatsInterval    time.Duration
	BufferSize       int

	AdminAddr string
	Logging   LoggingConfig
	Reload    ReloadConfig

	// ConfigPath is the file this config was loaded from, if any.
	ConfigPath string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Transport:        "quic",
		Congestion:       string(tunnel.CongestionNewReno),
		Compress:         compress.None,
		ZeroRTT:          true,
		HandshakeTimeout: DefaultHandshakeTimeout,
		StatsInterval:    DefaultStatsInterval,
		BufferSize:       DefaultBufferSize,
		Logging:          DefaultLoggingConfig(),
		Reload:           ReloadConfig{Enabled: true},
	}
}

// Validate checks the config without touching the network.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.CertName) == "" {
		return invalid("cert_name", "required")
	}
	if err := validateHostPort("quic_addr", c.QUICAddr); err != nil {
		return err
	}
	if c.TCPListen == "" && c.UnixListen == "" {
		return ErrNoListener
	}
	if c.TCPListen != "" {
		if err := validateHostPort("tcp_listen", c.TCPListen); err != nil {
			return err
		}
	}
	if c.UDPListen != "" {
		if err := validateHostPort("udp_listen", c.UDPListen); err != nil {
			return err
		}
	}
	if _, err := tunnel.ParseTransport(c.Transport); err != nil {
		return invalid("transport", "%v", err)
	}
	if _, err := tunnel.ParseCongestionMode(c.Congestion); err != nil {
		return invalid("congestion_mode", "%v", err)
	}
	if c.HandshakeTimeout <= 0 {
		return invalid("handshake_timeout", "must be positive")
	}
	if c.StatsInterval <= 0 {
		return invalid("stats_interval", "must be positive")
	}
	if c.BufferSize <= 0 {
		return invalid("buffer_size", "must be positive")
	}
	if c.AdminAddr != "" {
		if err := validateHostPort("admin_addr", c.AdminAddr); err != nil {
			return err
		}
	}
	return validateLogging(c.Logging)
}

// ClientConfig drives the tunnel peer (reverse_proxy_client).
type ClientConfig struct {
	// CertName is the prefix of <name>_ca.pem, <name>_client.pem and
	// <name>_client.key.pem.
	CertName   string
	ServerAddr string
	// ServerName is checked against the relay's certificate.
	ServerName string

	Target        string
	TargetNetwork string

	Transport  string
	Congestion string
	Compress   compress.Algo

	DialTimeout time.Duration
	BufferSize  int

	Logging LoggingConfig
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerName:    "localhost",
		TargetNetwork: "tcp",
		Transport:     "quic",
		Congestion:    string(tunnel.CongestionNewReno),
		Compress:      compress.None,
		DialTimeout:   DefaultDialTimeout,
		BufferSize:    DefaultBufferSize,
		Logging:       DefaultLoggingConfig(),
	}
}

func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.CertName) == "" {
		return invalid("cert_name", "required")
	}
	if err := validateHostPort("server_addr", c.ServerAddr); err != nil {
		return err
	}
	switch c.TargetNetwork {
	case "tcp":
		if err := validateHostPort("target", c.Target); err != nil {
			return err
		}
	case "unix":
		if strings.TrimSpace(c.Target) == "" {
			return invalid("target", "required")
		}
	default:
		return invalid("target_network", "must be tcp or unix, got %q", c.TargetNetwork)
	}
	if _, err := tunnel.ParseTransport(c.Transport); err != nil {
		return invalid("transport", "%v", err)
	}
	if _, err := tunnel.ParseCongestionMode(c.Congestion); err != nil {
		return invalid("congestion_mode", "%v", err)
	}
	if c.DialTimeout <= 0 {
		return invalid("dial_timeout", "must be positive")
	}
	if c.BufferSize <= 0 {
		return invalid("buffer_size", "must be positive")
	}
	return validateLogging(c.Logging)
}

func validateHostPort(field, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return invalid(field, "required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return invalid(field, "%v", err)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level", "unknown level %q", l.Level)
	}
	switch strings.ToLower(strings.TrimSpace(l.Format)) {
	case "", "json", "text":
	default:
		return invalid("logging.format", "unknown format %q", l.Format)
	}
	return nil
}
