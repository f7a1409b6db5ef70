// Package config provides configuration loading and management for loopyprep.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"loopyprep/internal/models"
	"loopyprep/pkg/logger"
)

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores bounds how many compressor processes run at once
		NumCores int `yaml:"numCores" toml:"num_cores"`

		// TileSize is the edge length of the square GeoTIFF tiles, a multiple of 16
		TileSize int `yaml:"tileSize" toml:"tile_size"`

		// OverviewFactors are the pyramid downsample factors, ascending
		OverviewFactors []int `yaml:"overviewFactors" toml:"overview_factors"`
	} `yaml:"processing" toml:"processing"`

	// Georeferencing parameters
	Raster struct {
		// Scale is the pixel size in meters
		Scale float64 `yaml:"scale" toml:"scale"`

		// CRS is the coordinate reference system, as "EPSG:<code>"
		CRS string `yaml:"crs" toml:"crs"`
	} `yaml:"raster" toml:"raster"`

	// External compressor parameters
	Compression struct {
		// Binary is the compressor executable, looked up on PATH
		Binary string `yaml:"binary" toml:"binary"`

		// Quality is the JPEG quality, 1-100
		Quality int `yaml:"quality" toml:"quality"`
	} `yaml:"compression" toml:"compression"`

	// Spot geometry written to headers when not given on the command line
	Spot models.SpotParams `yaml:"spot" toml:"spot"`

	// Log output
	Log logger.Options `yaml:"log" toml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.TileSize = 256
	cfg.Processing.OverviewFactors = []int{4, 8, 16, 32, 64}

	cfg.Raster.Scale = models.DefaultMPerPx
	cfg.Raster.CRS = "EPSG:32648" // meters

	cfg.Compression.Binary = "gdal_translate"
	cfg.Compression.Quality = 90

	cfg.Spot = models.DefaultSpotParams()

	cfg.Log.Level = "info"
	cfg.Log.MaxSize = 100
	cfg.Log.MaxAge = 28

	return cfg
}

// Validate checks the configuration for values the pipeline cannot use
func (cfg *Config) Validate() error {
	if cfg.Processing.NumCores < 1 {
		return errors.Wrapf(models.ErrValidation, "numCores must be at least 1, got %d", cfg.Processing.NumCores)
	}
	if cfg.Processing.TileSize < 16 || cfg.Processing.TileSize%16 != 0 {
		return errors.Wrapf(models.ErrValidation, "tileSize must be a positive multiple of 16, got %d", cfg.Processing.TileSize)
	}
	prev := 1
	for _, f := range cfg.Processing.OverviewFactors {
		if f <= prev {
			return errors.Wrapf(models.ErrValidation, "overview factors must be ascending and above 1, got %v", cfg.Processing.OverviewFactors)
		}
		prev = f
	}
	if !(cfg.Raster.Scale > 0) {
		return errors.Wrapf(models.ErrValidation, "scale must be positive, got %v", cfg.Raster.Scale)
	}
	if !strings.HasPrefix(strings.ToUpper(cfg.Raster.CRS), "EPSG:") {
		return errors.Wrapf(models.ErrValidation, "crs must be of the form EPSG:<code>, got %q", cfg.Raster.CRS)
	}
	if cfg.Compression.Binary == "" {
		return errors.Wrap(models.ErrValidation, "compression binary is empty")
	}
	if cfg.Compression.Quality < 1 || cfg.Compression.Quality > 100 {
		return errors.Wrapf(models.ErrValidation, "quality must be in [1,100], got %d", cfg.Compression.Quality)
	}
	return cfg.Spot.Validate()
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	defer f.Close()

	if isTOML(configPath) {
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		return nil
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
