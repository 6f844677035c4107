package recalc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// configValidate is the validator instance for engine configuration
var configValidate = validator.New()

// Config bounds the grid and tunes recalculation passes
type Config struct {
	// MaxRows and MaxColumns bound cell references; anything beyond is #REF!
	MaxRows    uint32 `yaml:"max_rows" toml:"max_rows" validate:"gte=1,lte=1048576"`
	MaxColumns uint32 `yaml:"max_columns" toml:"max_columns" validate:"gte=1,lte=18278"`

	// MaxRangeCells caps the number of cells a single range may cover
	MaxRangeCells uint64 `yaml:"max_range_cells" toml:"max_range_cells" validate:"gte=1"`

	// ChunkSize is the number of cells evaluated between yield points
	ChunkSize int `yaml:"chunk_size" toml:"chunk_size" validate:"gte=1"`

	LogLevel  string `yaml:"log_level" toml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" toml:"log_format" validate:"oneof=text json"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxRows:       1048576,
		MaxColumns:    16384,
		MaxRangeCells: 1000000,
		ChunkSize:     512,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Validate checks the configuration against its constraints
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]string, 0, len(invalid))
			for _, fe := range invalid {
				fields = append(fields, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			}
			return NewApplicationError(InvalidArgument, "invalid config: "+strings.Join(fields, ", "))
		}
		return NewApplicationError(InvalidArgument, "invalid config: "+err.Error())
	}
	return nil
}

// ParserContext returns the parser bounds of the configuration
func (c Config) ParserContext() *ParserContext {
	return &ParserContext{
		MaxRows:       c.MaxRows,
		MaxColumns:    c.MaxColumns,
		MaxRangeCells: c.MaxRangeCells,
	}
}

// LoadConfig loads configuration with priority: env > file > defaults. the
// file format follows the extension: .toml for TOML, anything else YAML. a
// missing file leaves the defaults in place.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := loadConfigFile(path, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	}
	return nil
}

func loadConfigFromEnv(config *Config) {
	if v := os.Getenv("GRIDCALC_MAX_ROWS"); v != "" {
		if i, err := strconv.ParseUint(v, 10, 32); err == nil {
			config.MaxRows = uint32(i)
		}
	}
	if v := os.Getenv("GRIDCALC_MAX_COLUMNS"); v != "" {
		if i, err := strconv.ParseUint(v, 10, 32); err == nil {
			config.MaxColumns = uint32(i)
		}
	}
	if v := os.Getenv("GRIDCALC_MAX_RANGE_CELLS"); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.MaxRangeCells = i
		}
	}
	if v := os.Getenv("GRIDCALC_CHUNK_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.ChunkSize = i
		}
	}
	if v := os.Getenv("GRIDCALC_LOG_LEVEL"); v != "" {
		config.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("GRIDCALC_LOG_FORMAT"); v != "" {
		config.LogFormat = strings.ToLower(v)
	}
}
