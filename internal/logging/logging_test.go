package logging

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"quictunnel/internal/config"
)

func TestTail_KeepsNewestLines(t *testing.T) {
	tl := NewTail(3)
	if _, err := tl.Write([]byte("a\nb\nc\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := tl.Snapshot(0); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("snapshot=%q", got)
	}
	_, _ = tl.Write([]byte("d\r\n"))
	if got := tl.Snapshot(0); !slices.Equal(got, []string{"b", "c", "d"}) {
		t.Fatalf("snapshot after overwrite=%q", got)
	}
	if got := tl.Snapshot(2); !slices.Equal(got, []string{"c", "d"}) {
		t.Fatalf("limited snapshot=%q", got)
	}
	if tl.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", tl.Dropped())
	}
}

func TestTail_JoinsPartialWrites(t *testing.T) {
	tl := NewTail(4)
	_, _ = tl.Write([]byte("hel"))
	_, _ = tl.Write([]byte("lo"))
	if got := tl.Snapshot(0); len(got) != 0 {
		t.Fatalf("incomplete line leaked: %q", got)
	}
	_, _ = tl.Write([]byte(" world\nnext"))
	if got := tl.Snapshot(0); !slices.Equal(got, []string{"hello world"}) {
		t.Fatalf("snapshot=%q", got)
	}
}

func TestTail_ZeroCapacity(t *testing.T) {
	tl := NewTail(0)
	if n, err := tl.Write([]byte("x\n")); n != 2 || err != nil {
		t.Fatalf("Write=(%d,%v)", n, err)
	}
	if tl.Snapshot(0) != nil {
		t.Fatalf("expected empty snapshot")
	}
}

func TestRuntime_WritesToFileAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	cfg := config.DefaultLoggingConfig()
	cfg.Output = path
	cfg.Format = "json"
	cfg.AdminBuffer.Enabled = true

	rt, err := New(cfg, "server")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	rt.Logger().Debug("hidden")
	rt.Logger().Info("visible", "peer", "p-1")

	lines := rt.Tail().Snapshot(0)
	if len(lines) != 1 || !strings.Contains(lines[0], `"msg":"visible"`) || !strings.Contains(lines[0], `"app":"quictunnel"`) {
		t.Fatalf("tail=%q", lines)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"role":"server"`) {
		t.Fatalf("file=%q", data)
	}
}

func TestRuntime_ApplyLevelAndRestartDetection(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Output = "discard"
	cfg.AdminBuffer.Enabled = true
	rt, err := New(cfg, "client")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := cfg
	next.Level = "debug"
	if err := rt.Apply(next); err != nil {
		t.Fatalf("Apply level: %v", err)
	}
	rt.Logger().Debug("now visible")
	if got := rt.Tail().Snapshot(0); len(got) != 1 {
		t.Fatalf("debug line not logged after level change: %q", got)
	}

	next.Format = "json"
	if err := rt.Apply(next); !errors.Is(err, ErrRestartRequired) {
		t.Fatalf("err=%v want ErrRestartRequired", err)
	}
	if err := rt.Apply(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Format = "xml"
	cfg.Output = "discard"
	if _, err := New(cfg, "server"); err == nil {
		t.Fatalf("expected error")
	}
}
