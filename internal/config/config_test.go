package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quictunnel/internal/compress"
)

func validServer() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.CertName = "certs/relay"
	cfg.QUICAddr = "0.0.0.0:4433"
	cfg.TCPListen = "127.0.0.1:8080"
	return cfg
}

func TestServerConfig_Defaults(t *testing.T) {
	cfg := DefaultServerConfig()
	if !cfg.ZeroRTT {
		t.Fatalf("zero_rtt should default to true")
	}
	if cfg.HandshakeTimeout != 30*time.Second || cfg.StatsInterval != 10*time.Second || cfg.BufferSize != 32*1024 {
		t.Fatalf("defaults=%+v", cfg)
	}
	if cfg.Transport != "quic" || cfg.Congestion != "newreno" || cfg.Compress != compress.None {
		t.Fatalf("defaults=%+v", cfg)
	}
}

func TestServerConfig_ValidateNoListener(t *testing.T) {
	cfg := validServer()
	cfg.TCPListen = ""
	cfg.UDPListen = "127.0.0.1:9000"
	err := cfg.Validate()
	if !errors.Is(err, ErrNoListener) {
		t.Fatalf("err=%v want ErrNoListener", err)
	}
	if !IsConfigError(err) {
		t.Fatalf("ErrNoListener must count as a config error")
	}

	cfg.UnixListen = "/tmp/front.sock"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unix listener alone should be enough: %v", err)
	}
}

func TestServerConfig_ValidateInvalidValues(t *testing.T) {
	for name, mutate := range map[string]func(*ServerConfig){
		"cert_name":         func(c *ServerConfig) { c.CertName = "" },
		"quic_addr":         func(c *ServerConfig) { c.QUICAddr = "nonsense" },
		"tcp_listen":        func(c *ServerConfig) { c.TCPListen = "8080" },
		"transport":         func(c *ServerConfig) { c.Transport = "sctp" },
		"congestion_mode":   func(c *ServerConfig) { c.Congestion = "vegas" },
		"handshake_timeout": func(c *ServerConfig) { c.HandshakeTimeout = 0 },
		"logging.level":     func(c *ServerConfig) { c.Logging.Level = "loud" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := validServer()
			mutate(&cfg)
			err := cfg.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err=%v want *ValidationError", err)
			}
			if ve.Field != name {
				t.Fatalf("field=%q want %q", ve.Field, name)
			}
		})
	}
}

func TestClientConfig_Validate(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.CertName = "relay"
	cfg.ServerAddr = "relay.example.com:4433"
	cfg.Target = "127.0.0.1:22"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.TargetNetwork = "unix"
	cfg.Target = "/run/app.sock"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate unix: %v", err)
	}

	cfg.TargetNetwork = "udp"
	if err := cfg.Validate(); !IsConfigError(err) {
		t.Fatalf("err=%v want config error", err)
	}
}

func TestLoadServerFile_Formats(t *testing.T) {
	files := map[string]string{
		"quictunnel.toml": `
cert_name = "relay"
quic_addr = "0.0.0.0:4433"
tcp_listen = "127.0.0.1:8080"
compress = "zstd"
zero_rtt = false
handshake_timeout_ms = 5000

[logging]
level = "debug"
format = "json"
`,
		"quictunnel.yaml": `
cert_name: relay
quic_addr: "0.0.0.0:4433"
tcp_listen: "127.0.0.1:8080"
compress: zstd
zero_rtt: false
handshake_timeout_ms: 5000
logging:
  level: debug
  format: json
`,
		"quictunnel.json": `{
  "cert_name": "relay",
  "quic_addr": "0.0.0.0:4433",
  "tcp_listen": "127.0.0.1:8080",
  "compress": "zstd",
  "zero_rtt": false,
  "handshake_timeout_ms": 5000,
  "logging": {"level": "debug", "format": "json"}
}`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			cfg, err := LoadServerFile(path)
			if err != nil {
				t.Fatalf("LoadServerFile: %v", err)
			}
			if cfg.CertName != "relay" || cfg.QUICAddr != "0.0.0.0:4433" || cfg.TCPListen != "127.0.0.1:8080" {
				t.Fatalf("cfg=%+v", cfg)
			}
			if cfg.Compress != compress.Zstd || cfg.ZeroRTT || cfg.HandshakeTimeout != 5*time.Second {
				t.Fatalf("cfg=%+v", cfg)
			}
			if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
				t.Fatalf("logging=%+v", cfg.Logging)
			}
			// Untouched values keep their defaults.
			if cfg.StatsInterval != DefaultStatsInterval || cfg.Transport != "quic" {
				t.Fatalf("defaults lost: %+v", cfg)
			}
			if cfg.ConfigPath != path {
				t.Fatalf("config path=%q", cfg.ConfigPath)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestLoadServerFile_Errors(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"unknown.toml": "cert_nme = \"typo\"\n",
		"bad.json":     "{",
		"algo.yaml":    "compress: brotli\n",
		"cfg.ini":      "cert_name=x\n",
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := LoadServerFile(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
