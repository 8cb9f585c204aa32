package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("FISHEYEPANO_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "double_side", cfg.Stitching.Policy)
	assert.Equal(t, defaultWindow, cfg.Stitching.WindowSize)
	assert.Equal(t, defaultSelect, cfg.Stitching.SelectCount)
	assert.Equal(t, 5, cfg.FrameStore.EvictSlack)
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"stitching": {"policy": "once", "window_size": 12}, "output": {"buffer_size": 4}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("FISHEYEPANO_CONFIG", path)
	t.Setenv("FISHEYEPANO_STITCH_WINDOW_SIZE", "20")
	t.Setenv("FISHEYEPANO_SERVER_HTTP_ADDR", "127.0.0.1:9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "once", cfg.Stitching.Policy)
	assert.Equal(t, 20, cfg.Stitching.WindowSize)
	assert.Equal(t, 4, cfg.Output.BufferSize)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.HTTPAddr)
	// untouched sections keep defaults
	assert.Equal(t, 0.7, cfg.Stitching.NonBlackFloor)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"policy", func(c *Config) { c.Stitching.Policy = "triple" }},
		{"window", func(c *Config) { c.Stitching.WindowSize = 0 }},
		{"select", func(c *Config) { c.Stitching.SelectCount = 0 }},
		{"floor", func(c *Config) { c.Stitching.NonBlackFloor = 1.5 }},
		{"overlap", func(c *Config) { c.Stitching.OverlapRatio = 1 }},
		{"memory", func(c *Config) { c.FrameStore.MaxInMemory = 0 }},
		{"buffer", func(c *Config) { c.Output.BufferSize = 0 }},
		{"width only", func(c *Config) { c.Output.Width, c.Output.Height = 1920, 0 }},
		{"height only", func(c *Config) { c.Output.Width, c.Output.Height = 0, 960 }},
		{"negative size", func(c *Config) { c.Output.Width, c.Output.Height = -1, 960 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, defaultConfig().Validate())

	sized := defaultConfig()
	sized.Output.Width, sized.Output.Height = 1920, 960
	assert.NoError(t, sized.Validate())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	t.Setenv("FISHEYEPANO_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandUser("~/x/y.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x/y.json"), got)

	got, err = expandUser("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
