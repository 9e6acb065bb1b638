// Package config loads the sandbox configuration from defaults, an optional
// config.yaml and environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jnesss/bpf-sandbox/types"
)

// Config is the root of the configuration tree.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Tracer  TracerConfig  `mapstructure:"tracer"`
	Detect  DetectConfig  `mapstructure:"detect"`
	Journal JournalConfig `mapstructure:"journal"`
	Samples SamplesConfig `mapstructure:"samples"`
	Process ProcessConfig `mapstructure:"process"`
	Web     WebConfig     `mapstructure:"web"`
	Logger  LoggerConfig  `mapstructure:"logger"`
}

// EngineConfig sizes the capture engine and names the default target.
type EngineConfig struct {
	ArenaSizeMB      int           `mapstructure:"arena_size_mb"`
	Workers          int           `mapstructure:"workers"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	CorrelationCache int           `mapstructure:"correlation_cache"`
	Target           string        `mapstructure:"target"`
	Args             []string      `mapstructure:"args"`
}

type TracerConfig struct {
	Object     string   `mapstructure:"object"`     // compiled eBPF object
	Categories []string `mapstructure:"categories"` // empty: all supported
}

// CategorySet resolves the configured category names.
func (c TracerConfig) CategorySet() ([]types.Category, error) {
	out := make([]types.Category, 0, len(c.Categories))
	for _, name := range c.Categories {
		cat, ok := types.CategoryByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown tracer category %q", name)
		}
		out = append(out, cat)
	}
	return out, nil
}

type DetectConfig struct {
	RulesDir string `mapstructure:"rules_dir"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type SamplesConfig struct {
	Dir       string `mapstructure:"dir"`
	CacheSize int    `mapstructure:"cache_size"`
}

type ProcessConfig struct {
	DropPrivileges bool `mapstructure:"drop_privileges"`
}

type WebConfig struct {
	Listen string `mapstructure:"listen"`
}

// LoggerConfig selects the zap level and encoding.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// New returns a viper instance with defaults, search paths and env binding
// set up but nothing read yet. Callers bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENGINE_ARENA_SIZE_MB overrides engine.arena_size_mb
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return v
}

// Load reads the config file if one exists and decodes everything into a
// Config. A missing file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig is New followed by Load.
func LoadConfig() (*Config, error) {
	return Load(New())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.arena_size_mb", 64)
	v.SetDefault("engine.workers", 2)
	v.SetDefault("engine.stop_timeout", 2*time.Second)
	v.SetDefault("engine.correlation_cache", 8192)
	v.SetDefault("engine.target", "")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("tracer.object", "bpf/sandbox.o")
	v.SetDefault("tracer.categories", []string{})
	v.SetDefault("detect.rules_dir", "")
	v.SetDefault("journal.path", "data/sessions.db")
	v.SetDefault("samples.dir", "")
	v.SetDefault("samples.cache_size", 1024)
	v.SetDefault("process.drop_privileges", true)
	v.SetDefault("web.listen", "")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
}

// Validate rejects values the engine cannot be built with.
func (c *Config) Validate() error {
	if c.Engine.ArenaSizeMB <= 0 {
		return fmt.Errorf("engine.arena_size_mb must be positive, got %d", c.Engine.ArenaSizeMB)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative, got %d", c.Engine.Workers)
	}
	if c.Engine.StopTimeout <= 0 {
		return fmt.Errorf("engine.stop_timeout must be positive, got %s", c.Engine.StopTimeout)
	}
	if _, err := c.Tracer.CategorySet(); err != nil {
		return err
	}
	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format must be json or console, got %q", c.Logger.Format)
	}
	return nil
}

// NewLogger builds a zap logger from the logger section.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logger.level: %w", err)
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zc.Build()
}
