package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quictunnel/internal/config"
)

func TestRun_ExitCodes(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Chdir(t.TempDir())

	for name, tc := range map[string]struct {
		args []string
		want int
	}{
		"no command":        {nil, exitConfig},
		"unknown command":   {[]string{"serve"}, exitConfig},
		"help":              {[]string{"-h"}, exitOK},
		"server no args":    {[]string{"reverse_proxy_server"}, exitConfig},
		"server bad flag":   {[]string{"reverse_proxy_server", "-nope"}, exitConfig},
		"server bad algo":   {[]string{"reverse_proxy_server", "-compress", "lz4", "c", "127.0.0.1:0"}, exitConfig},
		"server no listen":  {[]string{"reverse_proxy_server", "-udp_listen", "127.0.0.1:0", "c", "127.0.0.1:0"}, exitConfig},
		"server bad config": {[]string{"reverse_proxy_server", "-config", "missing.toml", "c", "127.0.0.1:0"}, exitConfig},
		"client arity":      {[]string{"reverse_proxy_client", "c", "127.0.0.1:4433"}, exitConfig},
		"client bad target": {[]string{"reverse_proxy_client", "-target_network", "udp", "c", "127.0.0.1:4433", "x"}, exitConfig},
		"certs no name":     {[]string{"generate_certs"}, exitConfig},
	} {
		t.Run(name, func(t *testing.T) {
			var stderr bytes.Buffer
			if got := run(context.Background(), tc.args, &stderr); got != tc.want {
				t.Fatalf("exit=%d want %d; stderr=%q", got, tc.want, stderr.String())
			}
		})
	}
}

func TestRun_ServerMissingCertificatesIsRuntimeFailure(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Chdir(t.TempDir())

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"reverse_proxy_server", "-tcp_listen", "127.0.0.1:0", "-log_level", "error", "nocerts", "127.0.0.1:0"}, &stderr)
	if code != exitFailure {
		t.Fatalf("exit=%d want %d; stderr=%q", code, exitFailure, stderr.String())
	}
}

func TestRun_GenerateCerts(t *testing.T) {
	name := filepath.Join(t.TempDir(), "pki", "relay")
	var stderr bytes.Buffer
	if code := run(context.Background(), []string{"generate_certs", name, "relay.example.com"}, &stderr); code != exitOK {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}
	for _, suffix := range []string{"_ca.pem", "_server.pem", "_server.key.pem", "_client.pem", "_client.key.pem"} {
		if _, err := os.Stat(name + suffix); err != nil {
			t.Fatalf("missing %s: %v", suffix, err)
		}
	}
	stderr.Reset()
	if code := run(context.Background(), []string{"generate_certs", name}, &stderr); code != exitConfig {
		t.Fatalf("second run exit=%d want %d", code, exitConfig)
	}
	if !strings.Contains(stderr.String(), "quictunnel:") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestLoadServerConfig_DiscoversWorkingDirectoryFile(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	dir := t.TempDir()
	t.Chdir(dir)
	body := "cert_name = \"from-file\"\nquic_addr = \"127.0.0.1:4433\"\ntcp_listen = \"127.0.0.1:8080\"\n"
	if err := os.WriteFile(filepath.Join(dir, "quictunnel.toml"), []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := loadServerConfig("")
	if err != nil {
		t.Fatalf("loadServerConfig: %v", err)
	}
	if cfg.CertName != "from-file" || cfg.TCPListen != "127.0.0.1:8080" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !strings.HasSuffix(cfg.ConfigPath, "quictunnel.toml") {
		t.Fatalf("config path=%q", cfg.ConfigPath)
	}
}
