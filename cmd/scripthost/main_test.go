package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/scripthost/codegen"
	"github.com/signalsfoundry/scripthost/core"
	"github.com/signalsfoundry/scripthost/internal/config"
	"github.com/signalsfoundry/scripthost/internal/logging"
	"github.com/signalsfoundry/scripthost/value"
)

func testConfig(t *testing.T, script string, args ...string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.lua")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return config.Config{
		Script: config.ScriptConfig{Path: path, Type: "Package", Args: args},
		Loop:   config.LoopConfig{TickInterval: time.Millisecond, Accelerated: true},
		Tracing: config.TracingConfig{
			Exporter:    "stdout",
			SampleRatio: 1,
		},
		Log: config.LogConfig{Level: "info", Format: "text"},
	}
}

func TestRunStopsWhenMainScriptCloses(t *testing.T) {
	cfg := testConfig(t, `
frames = 0
function MainLoop()
  frames = frames + 1
  if frames == 3 then
    SetScriptResult(GetScriptArgument(0) * frames)
    CloseScript(GetOwnScriptID())
  end
end
`, "5")

	result, err := run(context.Background(), cfg, logging.Noop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Equal(value.Number(15)) {
		t.Fatalf("result = %v, want 15", result)
	}
}

func TestRunHonoursFrameLimit(t *testing.T) {
	cfg := testConfig(t, "function MainLoop() end\n")
	cfg.Loop.Frames = 4

	result, err := run(context.Background(), cfg, logging.Noop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.IsNil() {
		t.Fatalf("result = %v, want nil sentinel", result)
	}
}

func TestRunReportsMainScriptFailure(t *testing.T) {
	cfg := testConfig(t, "function MainLoop()\n  error('bad frame')\nend\n")

	_, err := run(context.Background(), cfg, logging.Noop())
	var rerr *core.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("run error = %v, want *core.RuntimeError", err)
	}
	if !strings.Contains(err.Error(), "bad frame") {
		t.Fatalf("run error %q lacks script message", err)
	}
}

func TestRunReportsCompileFailure(t *testing.T) {
	cfg := testConfig(t, "function MainLoop(\n")

	_, err := run(context.Background(), cfg, logging.Noop())
	var cerr *codegen.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("run error = %v, want *codegen.Error", err)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	cfg := testConfig(t, "function MainLoop() end\n")
	cfg.Loop.Accelerated = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := run(ctx, cfg, logging.Noop()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunServesMetricsAndHealth(t *testing.T) {
	cfg := testConfig(t, "function MainLoop() end\n")
	cfg.Loop.Frames = 3
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Health.Addr = "127.0.0.1:0"

	if _, err := run(context.Background(), cfg, logging.Noop()); err != nil {
		t.Fatalf("run: %v", err)
	}
}
