// Package config loads host configuration from defaults, an optional config
// file and SCRIPTHOST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/signalsfoundry/scripthost/model"
	"github.com/signalsfoundry/scripthost/value"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config holds host configuration.
type Config struct {
	Script  ScriptConfig  `mapstructure:"script"`
	Loop    LoopConfig    `mapstructure:"loop"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Log     LogConfig     `mapstructure:"log"`
}

// ScriptConfig describes the main script.
type ScriptConfig struct {
	Path    string   `mapstructure:"path" validate:"required"`
	Type    string   `mapstructure:"type" validate:"oneof=Package Stage Single Plural Player ShotCustom ItemCustom"`
	Version string   `mapstructure:"version"`
	Args    []string `mapstructure:"args"`
}

// LoopConfig controls the frame loop.
type LoopConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	Frames           int64         `mapstructure:"frames" validate:"gte=0"`
	Accelerated      bool          `mapstructure:"accelerated"`
	IgnoreStageScene bool          `mapstructure:"ignore_stage_scene"`
}

// MetricsConfig controls the Prometheus endpoint; an empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// HealthConfig controls the gRPC health endpoint; an empty Addr disables it.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter" validate:"oneof=stdout otlp otlpgrpc"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Load reads configuration from file and env. The file is file when set,
// otherwise $SCRIPTHOST_CONFIG; without either only defaults and env apply.
// Env var overrides use prefix SCRIPTHOST_ (script.path becomes
// SCRIPTHOST_SCRIPT_PATH). overrides, typically command-line flags, win over
// everything else. The result is validated.
func Load(file string, overrides map[string]any) (Config, error) {
	v := viper.New()

	v.SetDefault("script.path", "")
	v.SetDefault("script.type", string(model.ScriptTypePackage))
	v.SetDefault("script.version", "")
	v.SetDefault("script.args", []string{})
	v.SetDefault("loop.tick_interval", "16ms")
	v.SetDefault("loop.frames", 0)
	v.SetDefault("loop.accelerated", false)
	v.SetDefault("loop.ignore_stage_scene", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("health.addr", ":50051")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "scripthost")
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if file == "" {
		file = os.Getenv("SCRIPTHOST_CONFIG")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix("SCRIPTHOST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, val := range overrides {
		v.Set(key, val)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ScriptType returns the main script's declared type.
func (s ScriptConfig) ScriptType() model.ScriptType {
	return model.ScriptType(s.Type)
}

// Arguments converts Args into script arguments: numbers and booleans are
// parsed, anything else stays a string.
func (s ScriptConfig) Arguments() []value.Value {
	out := make([]value.Value, 0, len(s.Args))
	for _, raw := range s.Args {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			out = append(out, value.Number(f))
			continue
		}
		switch raw {
		case "true":
			out = append(out, value.Bool(true))
		case "false":
			out = append(out, value.Bool(false))
		default:
			out = append(out, value.String(raw))
		}
	}
	return out
}
