package internal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/nbfolio/internal/testutil"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.Paths = PathsConfig{
		SourceDir:    filepath.Join(root, "notebooks"),
		ProcessedDir: filepath.Join(root, "processed"),
		PlotsDir:     filepath.Join(root, "plots"),
	}
	cfg.Ledger.Path = filepath.Join(root, ".nbfolio", "ledger.db")
	return cfg
}

func TestNew_WiresPipeline(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	app, err := New(WithConfig(cfg), WithLogOutput(&logs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close()

	if !app.Pipeline.LedgerEnabled() {
		t.Error("ledger should be enabled")
	}
	if _, err := os.Stat(cfg.Ledger.Path); err != nil {
		t.Errorf("ledger file missing: %v", err)
	}
	for _, dir := range []string{cfg.Paths.SourceDir, cfg.Paths.ProcessedDir, cfg.Paths.PlotsDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("dir %s not created", dir)
		}
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestNew_OverrideDisablesLedger(t *testing.T) {
	cfg := testConfig(t)
	out := filepath.Join(t.TempDir(), "elsewhere")
	app, err := New(WithConfig(cfg), WithLogOutput(&bytes.Buffer{}), WithPlotsDir(out))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close()

	if app.Pipeline.LedgerEnabled() {
		t.Error("ledger should be disabled when an output dir is overridden")
	}

	nb := filepath.Join(cfg.Paths.SourceDir, "solar.ipynb")
	if err := os.WriteFile(nb, testutil.Notebook("Solar", "A"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := app.Pipeline.Load(nb)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Pipeline.Export(src); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "solar-chart-1.html")); err != nil {
		t.Errorf("chart not written to override dir: %v", err)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(ApplicationConfig{LogFormat: LogFormatJSON}, &buf).Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json log = %q", buf.String())
	}

	buf.Reset()
	NewLogger(ApplicationConfig{LogFormat: LogFormatText}, &buf).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text log = %q", buf.String())
	}
}

func TestWatch_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(WithConfig(cfg), WithLogOutput(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}
