package recalc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	bounds := config.ParserContext()
	assert.Equal(t, uint32(1048576), bounds.MaxRows)
	assert.Equal(t, uint32(16384), bounds.MaxColumns)
	assert.Equal(t, uint64(1000000), bounds.MaxRangeCells)
	assert.Nil(t, bounds.ResolveName)
}

func TestLoadConfig(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		path := writeConfig(t, "recalc.yaml", "max_rows: 100\nchunk_size: 8\nlog_level: debug\n")
		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, uint32(100), config.MaxRows)
		assert.Equal(t, 8, config.ChunkSize)
		assert.Equal(t, "debug", config.LogLevel)
		assert.Equal(t, uint32(16384), config.MaxColumns)
	})

	t.Run("toml", func(t *testing.T) {
		path := writeConfig(t, "recalc.toml", "max_columns = 26\nlog_format = \"json\"\n")
		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, uint32(26), config.MaxColumns)
		assert.Equal(t, "json", config.LogFormat)
		assert.Equal(t, 512, config.ChunkSize)
	})

	t.Run("missing file keeps defaults", func(t *testing.T) {
		config, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), config)
	})

	t.Run("no path", func(t *testing.T) {
		config, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), config)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "recalc.yml", "max_rows: [1, 2\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "load config file")
	})

	t.Run("malformed toml", func(t *testing.T) {
		path := writeConfig(t, "recalc.toml", "max_rows = \n")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse toml config")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, "recalc.yaml", "chunk_size: 0\nlog_level: loud\n")
		_, err := LoadConfig(path)
		requireAppError(t, err, InvalidArgument)
		assert.Contains(t, err.Error(), "ChunkSize failed gte=1")
		assert.Contains(t, err.Error(), "LogLevel failed oneof")
	})
}

func TestLoadConfigEnv(t *testing.T) {
	path := writeConfig(t, "recalc.yaml", "chunk_size: 8\n")
	t.Setenv("GRIDCALC_CHUNK_SIZE", "3")
	t.Setenv("GRIDCALC_MAX_ROWS", "500")
	t.Setenv("GRIDCALC_MAX_RANGE_CELLS", "not-a-number")
	t.Setenv("GRIDCALC_LOG_LEVEL", "WARN")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, config.ChunkSize)
	assert.Equal(t, uint32(500), config.MaxRows)
	assert.Equal(t, uint64(1000000), config.MaxRangeCells)
	assert.Equal(t, "warn", config.LogLevel)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"rows", func(c *Config) { c.MaxRows = 0 }, "MaxRows"},
		{"too many rows", func(c *Config) { c.MaxRows = 2000000 }, "MaxRows"},
		{"columns", func(c *Config) { c.MaxColumns = 20000 }, "MaxColumns"},
		{"range cells", func(c *Config) { c.MaxRangeCells = 0 }, "MaxRangeCells"},
		{"format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			requireAppError(t, err, InvalidArgument)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
