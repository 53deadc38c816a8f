package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"quictunnel/internal/config"
)

// ErrRestartRequired is returned by Apply when a change other than the level
// was requested. The level part of the change is still applied.
var ErrRestartRequired = errors.New("logging: restart required")

// Runtime owns the process logger, its output file (if any) and the optional
// in-memory tail served by the admin endpoint.
type Runtime struct {
	logger *slog.Logger
	level  slog.LevelVar
	tail   *Tail
	closer io.Closer
	cfg    config.LoggingConfig
}

// New builds a logger for role ("server" or "client").
func New(cfg config.LoggingConfig, role string) (*Runtime, error) {
	cfg = withDefaults(cfg)
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{closer: closer, cfg: cfg}
	rt.level.Set(lvl)

	w := out
	if cfg.AdminBuffer.Enabled {
		rt.tail = NewTail(cfg.AdminBuffer.Size)
		w = io.MultiWriter(out, rt.tail)
	}

	h, err := newHandler(w, cfg, &rt.level)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.logger = slog.New(h).With("app", "quictunnel", "role", role)
	return rt, nil
}

func newHandler(w io.Writer, cfg config.LoggingConfig, lvl slog.Leveler) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.AddSource}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
}

func (r *Runtime) Logger() *slog.Logger {
	if r == nil || r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

// Tail is nil unless the admin buffer is enabled.
func (r *Runtime) Tail() *Tail {
	if r == nil {
		return nil
	}
	return r.tail
}

// Apply switches the level immediately. Changes to format, output, source
// reporting or the admin buffer are only taken at the next start.
func (r *Runtime) Apply(cfg config.LoggingConfig) error {
	if r == nil {
		return nil
	}
	cfg = withDefaults(cfg)
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	r.level.Set(lvl)

	restart := !sameOutput(r.cfg, cfg)
	r.cfg.Level = cfg.Level
	if restart {
		return ErrRestartRequired
	}
	return nil
}

func (r *Runtime) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func sameOutput(a, b config.LoggingConfig) bool {
	return strings.EqualFold(a.Format, b.Format) &&
		strings.TrimSpace(a.Output) == strings.TrimSpace(b.Output) &&
		a.AddSource == b.AddSource &&
		a.AdminBuffer == b.AdminBuffer
}

func withDefaults(cfg config.LoggingConfig) config.LoggingConfig {
	def := config.DefaultLoggingConfig()
	if strings.TrimSpace(cfg.Level) == "" {
		cfg.Level = def.Level
	}
	if strings.TrimSpace(cfg.Format) == "" {
		cfg.Format = def.Format
	}
	if strings.TrimSpace(cfg.Output) == "" {
		cfg.Output = def.Output
	}
	if cfg.AdminBuffer.Size <= 0 {
		cfg.AdminBuffer.Size = def.AdminBuffer.Size
	}
	return cfg
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch o := strings.TrimSpace(output); strings.ToLower(o) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "discard", "none":
		return io.Discard, nil, nil
	default:
		f, err := os.OpenFile(filepath.Clean(o), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %s: %w", o, err)
		}
		return f, f, nil
	}
}
