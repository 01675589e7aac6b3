// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the engine configuration from YAML, with a .env file
// and NIGHTCAL_* environment variables layered on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/klauspost/cpuid"
	"gopkg.in/yaml.v3"

	"github.com/mlnoga/nightcal/internal/calib"
	"github.com/mlnoga/nightcal/internal/reduce"
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or mysql
	DSN    string `yaml:"dsn"`
}

type BuilderConfig struct {
	MinFrames   int     `yaml:"min_frames"`
	Sigma       float32 `yaml:"sigma"`
	Iterations  int     `yaml:"iterations"`
	FlatEpsilon float32 `yaml:"flat_epsilon"`
	FlatNorm    string  `yaml:"flat_norm"` // median or mode
	MemoryMB    int64   `yaml:"memory_mb"`
}

type PipelineConfig struct {
	Workers                  int     `yaml:"workers"`
	MinFlatValue             float32 `yaml:"min_flat_value"`
	MaxTries                 int     `yaml:"max_tries"`
	MemoryMB                 int64   `yaml:"memory_mb"`
	AllowMissingCalibrations bool    `yaml:"allow_missing_calibrations"`
	ApplyBadPixelMask        bool    `yaml:"apply_bad_pixel_mask"`
	RunCosmicRayRejection    bool    `yaml:"run_cosmic_ray_rejection"`
	ApplyGain                bool    `yaml:"apply_gain"`
}

type CosmicConfig struct {
	Detector  string        `yaml:"detector"`   // median or scorer
	Threshold float32       `yaml:"threshold"`  // probability cut for the scorer
	Sigma     float32       `yaml:"sigma"`      // cut of the built-in median difference detector
	ScorerURL string        `yaml:"scorer_url"` // scoring service, required for the scorer
	Timeout   time.Duration `yaml:"timeout"`    // per request to the scoring service
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type Config struct {
	Database      DatabaseConfig    `yaml:"database"`
	Builder       BuilderConfig     `yaml:"builder"`
	Pipeline      PipelineConfig    `yaml:"pipeline"`
	Cosmic        CosmicConfig      `yaml:"cosmic"`
	BadPixelMasks map[string]string `yaml:"bad_pixel_masks"` // camera to FITS file
	Server        ServerConfig      `yaml:"server"`
	Log           LogConfig         `yaml:"log"`
}

// Load reads a .env file if present, then the YAML file at path if path is
// not empty, then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file or environment is given
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NIGHTCAL_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("NIGHTCAL_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("NIGHTCAL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("NIGHTCAL_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NIGHTCAL_SERVER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "nightcal.db"
	}

	bp := calib.DefaultBuilderParams()
	if c.Builder.MinFrames == 0 {
		c.Builder.MinFrames = bp.MinFrames
	}
	if c.Builder.Sigma == 0 {
		c.Builder.Sigma = bp.Sigma
	}
	if c.Builder.Iterations == 0 {
		c.Builder.Iterations = bp.Iterations
	}
	if c.Builder.FlatEpsilon == 0 {
		c.Builder.FlatEpsilon = bp.FlatEpsilon
	}
	if c.Builder.FlatNorm == "" {
		c.Builder.FlatNorm = bp.FlatNorm.String()
	}

	pp := reduce.DefaultParams()
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = cpuid.CPU.LogicalCores
		if c.Pipeline.Workers < 1 {
			c.Pipeline.Workers = 1
		}
	}
	if c.Pipeline.MinFlatValue == 0 {
		c.Pipeline.MinFlatValue = pp.MinFlatValue
	}
	if c.Pipeline.MaxTries == 0 {
		c.Pipeline.MaxTries = pp.MaxTries
	}

	if c.Cosmic.Detector == "" {
		c.Cosmic.Detector = "median"
	}
	if c.Cosmic.Timeout == 0 {
		c.Cosmic.Timeout = time.Minute
	}
	if c.Cosmic.Threshold == 0 {
		c.Cosmic.Threshold = reduce.DefaultCosmicThreshold
	}
	if c.Cosmic.Sigma == 0 {
		c.Cosmic.Sigma = 8
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "./web/build"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn required for driver %s", c.Database.Driver)
	}
	if _, err := calib.ParseNormMode(c.Builder.FlatNorm); err != nil {
		return err
	}
	switch c.Cosmic.Detector {
	case "median":
	case "scorer":
		if c.Cosmic.ScorerURL == "" {
			return errors.New("cosmic scorer_url required for the scorer detector")
		}
	default:
		return fmt.Errorf("unknown cosmic ray detector %q", c.Cosmic.Detector)
	}
	if c.Cosmic.Threshold <= 0 || c.Cosmic.Threshold >= 1 {
		return fmt.Errorf("cosmic threshold %g outside (0,1)", c.Cosmic.Threshold)
	}
	return nil
}

// BuilderParams converts the builder section. Load has validated the flat norm.
func (c *Config) BuilderParams() calib.BuilderParams {
	norm, _ := calib.ParseNormMode(c.Builder.FlatNorm)
	return calib.BuilderParams{
		MinFrames:   c.Builder.MinFrames,
		Sigma:       c.Builder.Sigma,
		Iterations:  c.Builder.Iterations,
		FlatEpsilon: c.Builder.FlatEpsilon,
		FlatNorm:    norm,
		Workers:     c.Pipeline.Workers,
		MemoryMB:    c.Builder.MemoryMB,
	}
}

func (c *Config) PipelineParams() reduce.Params {
	return reduce.Params{
		Workers:      c.Pipeline.Workers,
		MinFlatValue: c.Pipeline.MinFlatValue,
		MaxTries:     c.Pipeline.MaxTries,
		MemoryMB:     c.Pipeline.MemoryMB,
	}
}

// CosmicRayDetector builds the configured detector: the built-in median
// difference detector, or the scoring service cut at the threshold
func (c *Config) CosmicRayDetector() reduce.CosmicRayDetector {
	if c.Cosmic.Detector == "scorer" {
		d := reduce.NewThresholdDetector(reduce.NewHTTPScorer(c.Cosmic.ScorerURL, c.Cosmic.Timeout))
		d.Threshold = c.Cosmic.Threshold
		return d
	}
	return &reduce.MedianDiffDetector{Sigma: c.Cosmic.Sigma}
}

// Policy returns the default reduction policy. Callers may override it per run.
func (c *Config) Policy() reduce.Policy {
	return reduce.Policy{
		AllowMissingCalibrations: c.Pipeline.AllowMissingCalibrations,
		ApplyBadPixelMask:        c.Pipeline.ApplyBadPixelMask,
		RunCosmicRayRejection:    c.Pipeline.RunCosmicRayRejection,
		ApplyGain:                c.Pipeline.ApplyGain,
	}
}
