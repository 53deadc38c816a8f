package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"quictunnel/internal/compress"
)

type fileLogging struct {
	Level       string `toml:"level" yaml:"level" json:"level"`
	Format      string `toml:"format" yaml:"format" json:"format"`
	Output      string `toml:"output" yaml:"output" json:"output"`
	AddSource   bool   `toml:"add_source" yaml:"add_source" json:"add_source"`
	AdminBuffer *struct {
		Enabled bool `toml:"enabled" yaml:"enabled" json:"enabled"`
		Size    int  `toml:"size" yaml:"size" json:"size"`
	} `toml:"admin_buffer" yaml:"admin_buffer" json:"admin_buffer"`
}

type fileServerConfig struct {
	CertName   string `toml:"cert_name" yaml:"cert_name" json:"cert_name"`
	QUICAddr   string `toml:"quic_addr" yaml:"quic_addr" json:"quic_addr"`
	TCPListen  string `toml:"tcp_listen" yaml:"tcp_listen" json:"tcp_listen"`
	UDPListen  string `toml:"udp_listen" yaml:"udp_listen" json:"udp_listen"`
	UnixListen string `toml:"unix_listen" yaml:"unix_listen" json:"unix_listen"`

	Transport      string `toml:"transport" yaml:"transport" json:"transport"`
	CongestionMode string `toml:"congestion_mode" yaml:"congestion_mode" json:"congestion_mode"`
	Compress       string `toml:"compress" yaml:"compress" json:"compress"`
	ZeroRTT        *bool  `toml:"zero_rtt" yaml:"zero_rtt" json:"zero_rtt"`

	HandshakeTimeoutMs int `toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
	StatsIntervalMs    int `toml:"stats_interval_ms" yaml:"stats_interval_ms" json:"stats_interval_ms"`
	BufferSize         int `toml:"buffer_size" yaml:"buffer_size" json:"buffer_size"`

	AdminAddr string       `toml:"admin_addr" yaml:"admin_addr" json:"admin_addr"`
	Logging   *fileLogging `toml:"logging" yaml:"logging" json:"logging"`
	Reload    *struct {
		Enabled bool `toml:"enabled" yaml:"enabled" json:"enabled"`
	} `toml:"reload" yaml:"reload" json:"reload"`
}

// LoadServerFile reads a server config file. The format follows the extension:
// .toml, .yaml/.yml or .json. Unset values keep their defaults.
func LoadServerFile(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, err
	}
	var fc fileServerConfig
	if err := decodeFile(path, data, &fc); err != nil {
		return ServerConfig{}, err
	}

	cfg := DefaultServerConfig()
	cfg.ConfigPath = path
	setString(&cfg.CertName, fc.CertName)
	setString(&cfg.QUICAddr, fc.QUICAddr)
	setString(&cfg.TCPListen, fc.TCPListen)
	setString(&cfg.UDPListen, fc.UDPListen)
	setString(&cfg.UnixListen, fc.UnixListen)
	setString(&cfg.Transport, fc.Transport)
	setString(&cfg.Congestion, fc.CongestionMode)
	setString(&cfg.AdminAddr, fc.AdminAddr)
	if fc.Compress != "" {
		algo, err := compress.ParseAlgo(fc.Compress)
		if err != nil {
			return ServerConfig{}, invalid("compress", "%v", err)
		}
		cfg.Compress = algo
	}
	if fc.ZeroRTT != nil {
		cfg.ZeroRTT = *fc.ZeroRTT
	}
	if fc.HandshakeTimeoutMs > 0 {
		cfg.HandshakeTimeout = time.Duration(fc.HandshakeTimeoutMs) * time.Millisecond
	}
	if fc.StatsIntervalMs > 0 {
		cfg.StatsInterval = time.Duration(fc.StatsIntervalMs) * time.Millisecond
	}
	if fc.BufferSize > 0 {
		cfg.BufferSize = fc.BufferSize
	}
	if fc.Logging != nil {
		applyFileLogging(&cfg.Logging, fc.Logging)
	}
	if fc.Reload != nil {
		cfg.Reload.Enabled = fc.Reload.Enabled
	}
	return cfg, nil
}

func decodeFile(path string, data []byte, v any) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var md toml.MetaData
		md, err = toml.Decode(string(data), v)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown keys %v", undecoded)
			}
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(v)
		if err != nil && len(bytes.TrimSpace(data)) == 0 {
			err = nil
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(v)
	default:
		return fmt.Errorf("config: unsupported config extension %q (expected .toml, .yaml/.yml or .json)", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyFileLogging(dst *LoggingConfig, fl *fileLogging) {
	setString(&dst.Level, fl.Level)
	setString(&dst.Format, fl.Format)
	setString(&dst.Output, fl.Output)
	dst.AddSource = fl.AddSource
	if fl.AdminBuffer != nil {
		dst.AdminBuffer.Enabled = fl.AdminBuffer.Enabled
		if fl.AdminBuffer.Size != 0 {
			dst.AdminBuffer.Size = fl.AdminBuffer.Size
		}
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
