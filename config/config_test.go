package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/bpf-sandbox/types"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Engine.ArenaSizeMB)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 2*time.Second, cfg.Engine.StopTimeout)
	assert.Equal(t, 8192, cfg.Engine.CorrelationCache)
	assert.Equal(t, 1024, cfg.Samples.CacheSize)
	assert.True(t, cfg.Process.DropPrivileges)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Empty(t, cfg.Web.Listen)
}

func TestFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := `
engine:
  arena_size_mb: 8
  stop_timeout: 500ms
tracer:
  categories: [Process, Dns]
logger:
  format: json
`
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), []byte(yaml), 0644))
	t.Setenv("ENGINE_WORKERS", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.ArenaSizeMB)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.StopTimeout)
	assert.Equal(t, 5, cfg.Engine.Workers)
	assert.Equal(t, "json", cfg.Logger.Format)

	cats, err := cfg.Tracer.CategorySet()
	require.NoError(t, err)
	assert.Equal(t, []types.Category{types.CategoryProcess, types.CategoryDns}, cats)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Engine: EngineConfig{ArenaSizeMB: 1, Workers: 0, StopTimeout: time.Second},
			Logger: LoggerConfig{Level: "info", Format: "console"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero arena", func(c *Config) { c.Engine.ArenaSizeMB = 0 }},
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }},
		{"zero stop timeout", func(c *Config) { c.Engine.StopTimeout = 0 }},
		{"unknown category", func(c *Config) { c.Tracer.Categories = []string{"Keyboard"} }},
		{"bad format", func(c *Config) { c.Logger.Format = "xml" }},
	}

	ok := base()
	require.NoError(t, ok.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud", Format: "console"})
	assert.Error(t, err)
}
