// Package config handles configuration loading for the cellanchor pipeline.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the full pipeline configuration.
type Config struct {
	Reference ReferenceConfig `yaml:"reference"`
	Query     QueryConfig     `yaml:"query"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Output    OutputConfig    `yaml:"output"`
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Render    RenderConfig    `yaml:"render"`
}

// ReferenceConfig locates the scRNA-seq reference dataset.
type ReferenceConfig struct {
	Name string `yaml:"name"`
	// MTXDir is a directory containing matrix.mtx, features.tsv and
	// barcodes.tsv (optionally gzip or zstd compressed).
	MTXDir string `yaml:"mtx_dir"`
	// SomaPath optionally points at a TileDB-SOMA experiment instead of
	// an MTX directory. Requires a build with SOMA support.
	SomaPath string `yaml:"soma_path"`
}

// QueryConfig locates the Vizgen Merscope spatial dataset.
type QueryConfig struct {
	Name         string            `yaml:"name"`
	CellByGene   string            `yaml:"cell_by_gene"`
	CellMetadata string            `yaml:"cell_metadata"`
	Filters      map[string]Bounds `yaml:"filters"`
}

// Bounds is an open interval over a per-sample metadata column. Zero values
// mean unbounded on that side.
type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// PipelineConfig carries the numeric knobs of the analysis stages.
type PipelineConfig struct {
	VariableFeatures int     `yaml:"variable_features"`
	PCADims          int     `yaml:"pca_dims"`
	Neighbors        int     `yaml:"neighbors"`
	Resolution       float64 `yaml:"resolution"`
	AnchorK          int     `yaml:"anchor_k"`
	AnchorDims       int     `yaml:"anchor_dims"`
	// SampleCap bounds the subsample used to fit normalization depth on
	// large datasets. Zero disables capping.
	SampleCap         int   `yaml:"sample_cap"`
	Seed              int64 `yaml:"seed"`
	DistanceWeighting bool  `yaml:"distance_weighting"`
	// TransferFeatures lists reference genes whose normalized expression
	// is transferred onto the query and persisted alongside the labels.
	TransferFeatures []string `yaml:"transfer_features"`
}

// OutputConfig locates the results database.
type OutputConfig struct {
	DBPath string `yaml:"db_path"`
}

// ServerConfig contains HTTP server settings for serve mode.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// CacheConfig contains caching settings for serve mode.
type CacheConfig struct {
	PlotSizeMB     int `yaml:"plot_size_mb"`
	PlotTTLMinutes int `yaml:"plot_ttl_minutes"`
}

// RenderConfig contains plot rendering settings.
type RenderConfig struct {
	PlotSize        int    `yaml:"plot_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Reference: ReferenceConfig{
			Name:   "reference",
			MTXDir: "./data/reference",
		},
		Query: QueryConfig{
			Name:         "spatial",
			CellByGene:   "./data/spatial/cell_by_gene.csv",
			CellMetadata: "./data/spatial/cell_metadata.csv",
		},
		Pipeline: PipelineConfig{
			VariableFeatures: 2000,
			PCADims:          30,
			Neighbors:        20,
			Resolution:       0.8,
			AnchorK:          5,
			AnchorDims:       30,
			Seed:             42,
		},
		Output: OutputConfig{
			DBPath: "./results.db",
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cache: CacheConfig{
			PlotSizeMB:     256,
			PlotTTLMinutes: 10,
		},
		Render: RenderConfig{
			PlotSize:        800,
			DefaultColormap: "viridis",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Reference.Name == "" {
		cfg.Reference.Name = defaults.Reference.Name
	}
	if cfg.Query.Name == "" {
		cfg.Query.Name = defaults.Query.Name
	}
	if cfg.Pipeline.VariableFeatures == 0 {
		cfg.Pipeline.VariableFeatures = defaults.Pipeline.VariableFeatures
	}
	if cfg.Pipeline.PCADims == 0 {
		cfg.Pipeline.PCADims = defaults.Pipeline.PCADims
	}
	if cfg.Pipeline.Neighbors == 0 {
		cfg.Pipeline.Neighbors = defaults.Pipeline.Neighbors
	}
	if cfg.Pipeline.Resolution == 0 {
		cfg.Pipeline.Resolution = defaults.Pipeline.Resolution
	}
	if cfg.Pipeline.AnchorK == 0 {
		cfg.Pipeline.AnchorK = defaults.Pipeline.AnchorK
	}
	if cfg.Pipeline.AnchorDims == 0 {
		cfg.Pipeline.AnchorDims = defaults.Pipeline.AnchorDims
	}
	if cfg.Pipeline.Seed == 0 {
		cfg.Pipeline.Seed = defaults.Pipeline.Seed
	}
	if cfg.Output.DBPath == "" {
		cfg.Output.DBPath = defaults.Output.DBPath
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Cache.PlotSizeMB == 0 {
		cfg.Cache.PlotSizeMB = defaults.Cache.PlotSizeMB
	}
	if cfg.Cache.PlotTTLMinutes == 0 {
		cfg.Cache.PlotTTLMinutes = defaults.Cache.PlotTTLMinutes
	}
	if cfg.Render.PlotSize == 0 {
		cfg.Render.PlotSize = defaults.Render.PlotSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}

func (cfg *Config) validate() error {
	if cfg.Reference.MTXDir == "" && cfg.Reference.SomaPath == "" {
		return fmt.Errorf("config: reference needs mtx_dir or soma_path")
	}
	if cfg.Pipeline.Resolution < 0 {
		return fmt.Errorf("config: resolution must be non-negative, got %g", cfg.Pipeline.Resolution)
	}
	for col, b := range cfg.Query.Filters {
		if b.Max != 0 && b.Min > b.Max {
			return fmt.Errorf("config: filter %q has min %g > max %g", col, b.Min, b.Max)
		}
	}
	return nil
}
