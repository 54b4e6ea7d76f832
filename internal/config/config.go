// Package config loads faas-bridge configuration from YAML and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/ChuLiYu/faas-bridge/internal/codec"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴，例如 FAASBRIDGE_WORKER_TTL=2m
const EnvPrefix = "FAASBRIDGE"

// 協調伺服器傳輸方式
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Duration 以 "30s" / "5m0s" 形式讀寫的時間長度
type Duration time.Duration

// Std 回傳 time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML 以字串輸出
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Config is the root application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// ServerConfig HTTP 入口
type ServerConfig struct {
	Listen          string   `mapstructure:"listen" yaml:"listen"`
	Path            string   `mapstructure:"path" yaml:"path"`
	MaxBodyBytes    int64    `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	ShutdownTimeout Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// WorkerConfig 每次呼叫產生的臨時 worker
type WorkerConfig struct {
	// TTL is handed to the coordinator as the claim reclamation hint
	TTL       Duration `mapstructure:"ttl" yaml:"ttl"`
	PIDPrefix string   `mapstructure:"pid_prefix" yaml:"pid_prefix"`
}

// CoordinatorConfig 協調伺服器連線
type CoordinatorConfig struct {
	// BaseURL, when set, replaces href.base from the request body
	BaseURL    string   `mapstructure:"base_url" yaml:"base_url"`
	Transport  string   `mapstructure:"transport" yaml:"transport"`
	GRPCTarget string   `mapstructure:"grpc_target" yaml:"grpc_target"`
	Timeout    Duration `mapstructure:"timeout" yaml:"timeout"`
}

// EngineConfig 執行引擎
type EngineConfig struct {
	// Encoding: json or cbor
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
}

// MetricsConfig Prometheus 端點
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Development bool           `mapstructure:"development" yaml:"development"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			Path:            "/",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Worker: WorkerConfig{
			TTL:       Duration(5 * time.Minute),
			PIDPrefix: "faas",
		},
		Coordinator: CoordinatorConfig{
			Transport: TransportHTTP,
			Timeout:   Duration(30 * time.Second),
		},
		Engine: EngineConfig{Encoding: "json"},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/faasbridge.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// $FAASBRIDGE_CONFIG or faasbridge.yaml in the usual locations. A missing
// file in the search path is not an error. Environment variables override
// file values: FAASBRIDGE_COORDINATOR_TIMEOUT=10s
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.path", cfg.Server.Path)
	v.SetDefault("server.max_body_bytes", cfg.Server.MaxBodyBytes)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout.Std())
	v.SetDefault("worker.ttl", cfg.Worker.TTL.Std())
	v.SetDefault("worker.pid_prefix", cfg.Worker.PIDPrefix)
	v.SetDefault("coordinator.base_url", cfg.Coordinator.BaseURL)
	v.SetDefault("coordinator.transport", cfg.Coordinator.Transport)
	v.SetDefault("coordinator.grpc_target", cfg.Coordinator.GRPCTarget)
	v.SetDefault("coordinator.timeout", cfg.Coordinator.Timeout.Std())
	v.SetDefault("engine.encoding", cfg.Engine.Encoding)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("faasbridge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".faasbridge"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationHook decodes "30s", time.Duration and integer nanoseconds into Duration.
func durationHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
			return Duration(d), nil
		case time.Duration:
			return Duration(v), nil
		case int:
			return Duration(v), nil
		case int64:
			return Duration(v), nil
		}
		return data, nil
	}
}

// Validate checks cross-field constraints and normalizes enums.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if strings.TrimSpace(c.Server.Listen) == "" {
		return errors.New("server.listen is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /: %q", c.Server.Path)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive: %d", c.Server.MaxBodyBytes)
	}

	if c.Worker.TTL <= 0 {
		return fmt.Errorf("worker.ttl must be positive: %s", c.Worker.TTL.Std())
	}

	c.Coordinator.Transport = strings.ToLower(strings.TrimSpace(c.Coordinator.Transport))
	switch c.Coordinator.Transport {
	case TransportHTTP:
	case TransportGRPC:
		if c.Coordinator.GRPCTarget == "" {
			return errors.New("coordinator.grpc_target is required for the grpc transport")
		}
	default:
		return fmt.Errorf("invalid coordinator.transport: %q", c.Coordinator.Transport)
	}
	// 遠端呼叫卡住時不能佔住 worker 身分超過 TTL
	if c.Coordinator.Timeout <= 0 || c.Coordinator.Timeout >= c.Worker.TTL {
		return fmt.Errorf("coordinator.timeout (%s) must be positive and below worker.ttl (%s)",
			c.Coordinator.Timeout.Std(), c.Worker.TTL.Std())
	}

	c.Engine.Encoding = strings.ToLower(strings.TrimSpace(c.Engine.Encoding))
	if _, err := codec.ForName(c.Engine.Encoding); err != nil {
		return fmt.Errorf("invalid engine.encoding: %w", err)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics.port: %d", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /: %q", c.Metrics.Path)
		}
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
