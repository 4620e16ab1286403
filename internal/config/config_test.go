package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/scripthost/model"
	"github.com/signalsfoundry/scripthost/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCRIPTHOST_CONFIG", "")

	cfg, err := Load("", map[string]any{"script.path": "main.lua"})
	require.NoError(t, err)

	assert.Equal(t, "main.lua", cfg.Script.Path)
	assert.Equal(t, model.ScriptTypePackage, cfg.Script.ScriptType())
	assert.Equal(t, 16*time.Millisecond, cfg.Loop.TickInterval)
	assert.Zero(t, cfg.Loop.Frames)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, ":50051", cfg.Health.Addr)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.InDelta(t, 1.0, cfg.Tracing.SampleRatio, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRequiresScriptPath(t *testing.T) {
	t.Setenv("SCRIPTHOST_CONFIG", "")

	_, err := Load("", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRIPTHOST_CONFIG", "")
	t.Setenv("SCRIPTHOST_SCRIPT_PATH", "/scripts/stage.lua")
	t.Setenv("SCRIPTHOST_SCRIPT_TYPE", "Stage")
	t.Setenv("SCRIPTHOST_LOOP_TICK_INTERVAL", "20ms")
	t.Setenv("SCRIPTHOST_LOOP_FRAMES", "120")
	t.Setenv("SCRIPTHOST_TRACING_SAMPLE_RATIO", "0.25")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "/scripts/stage.lua", cfg.Script.Path)
	assert.Equal(t, model.ScriptTypeStage, cfg.Script.ScriptType())
	assert.Equal(t, 20*time.Millisecond, cfg.Loop.TickInterval)
	assert.EqualValues(t, 120, cfg.Loop.Frames)
	assert.InDelta(t, 0.25, cfg.Tracing.SampleRatio, 1e-9)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("SCRIPTHOST_CONFIG", "")
	path := filepath.Join(t.TempDir(), "scripthost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
script:
  path: game/main.lua
  type: Single
  version: ph3
  args: ["3", "hard", "true"]
loop:
  accelerated: true
  ignore_stage_scene: true
log:
  format: json
`), 0o644))

	cfg, err := Load(path, map[string]any{"loop.frames": 10})
	require.NoError(t, err)

	assert.Equal(t, "game/main.lua", cfg.Script.Path)
	assert.Equal(t, model.ScriptTypeSingle, cfg.Script.ScriptType())
	assert.Equal(t, "ph3", cfg.Script.Version)
	assert.True(t, cfg.Loop.Accelerated)
	assert.True(t, cfg.Loop.IgnoreStageScene)
	assert.EqualValues(t, 10, cfg.Loop.Frames)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []value.Value{value.Number(3), value.String("hard"), value.Bool(true)}, cfg.Script.Arguments())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), map[string]any{"script.path": "main.lua"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SCRIPTHOST_CONFIG", "")

	cases := map[string]map[string]any{
		"unknown type":   {"script.type": "Boss"},
		"zero interval":  {"loop.tick_interval": "0s"},
		"ratio too high": {"tracing.sample_ratio": 1.5},
		"bad exporter":   {"tracing.exporter": "zipkin"},
		"bad log level":  {"log.level": "trace"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			overrides["script.path"] = "main.lua"
			_, err := Load("", overrides)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
