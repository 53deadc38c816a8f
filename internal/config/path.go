package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath is the environment variable used to override the config file path.
const EnvConfigPath = "QUICTUNNEL_CONFIG"

type ConfigPathSource string

const (
	ConfigPathSourceFlag ConfigPathSource = "flag"
	ConfigPathSourceEnv  ConfigPathSource = "env"
	ConfigPathSourceCWD  ConfigPathSource = "cwd"
	ConfigPathSourceNone ConfigPathSource = "none"
)

type ResolvedConfigPath struct {
	Path   string
	Source ConfigPathSource
}

// ResolveConfigPath resolves the effective configuration file path. A config
// file is optional: the command line alone is a complete configuration.
//
// Precedence:
//  1. explicitFlagPath (from -config)
//  2. QUICTUNNEL_CONFIG environment variable
//  3. Auto-discovery in dir (quictunnel.toml > quictunnel.yaml > quictunnel.yml > quictunnel.json)
//
// Explicit paths must exist.
func ResolveConfigPath(explicitFlagPath, dir string) (ResolvedConfigPath, error) {
	if p := strings.TrimSpace(explicitFlagPath); p != "" {
		p, err := normalizeExplicitPath(p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceFlag}, nil
	}

	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		p, err := normalizeExplicitPath(p)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceEnv}, nil
	}

	if p, ok := DiscoverConfigPath(dir); ok {
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceCWD}, nil
	}
	return ResolvedConfigPath{Source: ConfigPathSourceNone}, nil
}

func normalizeExplicitPath(p string) (string, error) {
	p = filepath.Clean(p)
	fi, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("config: stat %s: %w", p, err)
	}
	if fi.IsDir() {
		// A directory must contain a discoverable quictunnel.* file.
		if discovered, ok := DiscoverConfigPath(p); ok {
			return discovered, nil
		}
		return "", fmt.Errorf("config: no config file found in %s; looked for %v", p, CandidateConfigPaths(p))
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("config: %s is not a regular file", p)
	}
	return p, nil
}

// DiscoverConfigPath returns the first existing candidate in dir.
func DiscoverConfigPath(dir string) (string, bool) {
	for _, p := range CandidateConfigPaths(dir) {
		if isRegularFile(p) {
			return p, true
		}
	}
	return "", false
}

func CandidateConfigPaths(dir string) []string {
	return []string{
		filepath.Join(dir, "quictunnel.toml"),
		filepath.Join(dir, "quictunnel.yaml"),
		filepath.Join(dir, "quictunnel.yml"),
		filepath.Join(dir, "quictunnel.json"),
	}
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}
