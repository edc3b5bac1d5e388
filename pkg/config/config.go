// Package config provides configuration loading and management for the
// hit finder. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"diffractionhitfinder/pkg/streaks"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Detector describes the raw image layout and where its geometry file lives.
	Detector struct {
		AsicNx  int `yaml:"asicNx"`
		AsicNy  int `yaml:"asicNy"`
		NAsicsX int `yaml:"nAsicsX"`
		NAsicsY int `yaml:"nAsicsY"`

		// GeometryFile points at a file holding the per-pixel physical
		// position map used to derive panel basis vectors.
		GeometryFile string `yaml:"geometryFile"`
	} `yaml:"detector"`

	// RadialBins holds the accuracy constants for radial-bin precomputation.
	RadialBins struct {
		MinValuesPerBin           int     `yaml:"minValuesPerBin"`
		MinBinWidth               float64 `yaml:"minBinWidth"`
		MaxConsideredValuesPerBin int     `yaml:"maxConsideredValuesPerBin"`
		Rank                      float64 `yaml:"rank"`
	} `yaml:"radialBins"`

	// Background holds the radial background subtraction and statistics
	// tunables shared by the radial-statistics peak finder.
	Background struct {
		Rank                float64 `yaml:"rank"`
		ThresholdIterations int     `yaml:"thresholdIterations"`
		MinSNR              float64 `yaml:"minSnr"`
		AdcThresh           float64 `yaml:"adcThresh"`
	} `yaml:"background"`

	// RadialPeaks holds the accuracy constants for the radial-statistics
	// peak finder.
	RadialPeaks struct {
		Enabled       bool    `yaml:"enabled"`
		AdcThresh     float64 `yaml:"adcThresh"`
		MinSNR        float64 `yaml:"minSnr"`
		MinPixCount   int     `yaml:"minPixCount"`
		MaxPixCount   int     `yaml:"maxPixCount"`
		LocalBgRadius int     `yaml:"localBgRadius"`
		MaxNumPeaks   int     `yaml:"maxNumPeaks"`
	} `yaml:"radialPeaks"`

	// LocalPeaks holds the accuracy constants for the local-window peak finder.
	LocalPeaks struct {
		Enabled                           bool    `yaml:"enabled"`
		WindowRadius                      int     `yaml:"windowRadius"`
		MinimumPeakOversizeOverNeighbours float64 `yaml:"minimumPeakOversizeOverNeighbours"`
		SigmaFactorBiggestPixel           float64 `yaml:"sigmaFactorBiggestPixel"`
		SigmaFactorPeakPixel              float64 `yaml:"sigmaFactorPeakPixel"`
		SigmaFactorWholePeak              float64 `yaml:"sigmaFactorWholePeak"`
		MinimumSigma                      float64 `yaml:"minimumSigma"`
		MaxNumPeaks                       int     `yaml:"maxNumPeaks"`
		DoubleBackgroundEstimationWindow  bool    `yaml:"doubleBackgroundEstimationWindow"`
	} `yaml:"localPeaks"`

	// Streaks holds the accuracy constants for the streak finder.
	Streaks struct {
		Enabled                       bool               `yaml:"enabled"`
		FilterLength                  int                `yaml:"filterLength"`
		MinFilterLength               int                `yaml:"minFilterLength"`
		FilterStep                    float64            `yaml:"filterStep"`
		SigmaFactor                   float64            `yaml:"sigmaFactor"`
		StreakElongationMinStepsCount int                `yaml:"streakElongationMinStepsCount"`
		StreakElongationRadiusFactor  float64             `yaml:"streakElongationRadiusFactor"`
		StreakPixelMaskRadius         int                `yaml:"streakPixelMaskRadius"`
		PixelsToCheck                 []PointConfig      `yaml:"pixelsToCheck"`
		BackgroundEstimationRegions   []RectangleConfig  `yaml:"backgroundEstimationRegions"`
	} `yaml:"streaks"`

	// Run holds the batch-orchestration and reporting parameters.
	Run struct {
		// Concurrency bounds parallel frame/panel processing. 0 or negative
		// means use every available core.
		Concurrency int `yaml:"concurrency"`

		// Progress is loaded and saved with the configuration but is not
		// read by cmd/hitfinder; the default ASCII progress bar is shown
		// when Verbose is set.
		Progress bool `yaml:"progress"`

		OutputDir string `yaml:"outputDir"`
		Verbose   bool   `yaml:"verbose"`
	} `yaml:"run"`
}

// PointConfig is the YAML-friendly form of a fast-scan/slow-scan pixel
// coordinate used by the streak finder's fixed radial directions.
type PointConfig struct {
	Fs float64 `yaml:"fs"`
	Ss float64 `yaml:"ss"`
}

// RectangleConfig is the YAML-friendly form of a background-estimation
// rectangle for the streak finder.
type RectangleConfig struct {
	MinFs int `yaml:"minFs"`
	MaxFs int `yaml:"maxFs"`
	MinSs int `yaml:"minSs"`
	MaxSs int `yaml:"maxSs"`
}

// StreakRectangles converts the configured background-estimation regions
// into the streak package's Rectangle type.
func (c *Config) StreakRectangles() []streaks.Rectangle {
	out := make([]streaks.Rectangle, len(c.Streaks.BackgroundEstimationRegions))
	for i, r := range c.Streaks.BackgroundEstimationRegions {
		out[i] = streaks.Rectangle{MinFs: r.MinFs, MaxFs: r.MaxFs, MinSs: r.MinSs, MaxSs: r.MaxSs}
	}
	return out
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Detector.AsicNx = 194
	cfg.Detector.AsicNy = 185
	cfg.Detector.NAsicsX = 8
	cfg.Detector.NAsicsY = 8
	cfg.Detector.GeometryFile = ""

	cfg.RadialBins.MinValuesPerBin = 100
	cfg.RadialBins.MinBinWidth = 1.0
	cfg.RadialBins.MaxConsideredValuesPerBin = 500
	cfg.RadialBins.Rank = 0.5

	cfg.Background.Rank = 0.5
	cfg.Background.ThresholdIterations = 5
	cfg.Background.MinSNR = 5.0
	cfg.Background.AdcThresh = 10.0

	cfg.RadialPeaks.Enabled = true
	cfg.RadialPeaks.AdcThresh = 10.0
	cfg.RadialPeaks.MinSNR = 5.0
	cfg.RadialPeaks.MinPixCount = 2
	cfg.RadialPeaks.MaxPixCount = 30
	cfg.RadialPeaks.LocalBgRadius = 4
	cfg.RadialPeaks.MaxNumPeaks = 2048

	cfg.LocalPeaks.Enabled = false
	cfg.LocalPeaks.WindowRadius = 4
	cfg.LocalPeaks.MinimumPeakOversizeOverNeighbours = 1.0
	cfg.LocalPeaks.SigmaFactorBiggestPixel = 6.0
	cfg.LocalPeaks.SigmaFactorPeakPixel = 6.0
	cfg.LocalPeaks.SigmaFactorWholePeak = 4.0
	cfg.LocalPeaks.MinimumSigma = 1.0
	cfg.LocalPeaks.MaxNumPeaks = 2048
	cfg.LocalPeaks.DoubleBackgroundEstimationWindow = false

	cfg.Streaks.Enabled = false
	cfg.Streaks.FilterLength = 20
	cfg.Streaks.MinFilterLength = 4
	cfg.Streaks.FilterStep = 1.0
	cfg.Streaks.SigmaFactor = 3.0
	cfg.Streaks.StreakElongationMinStepsCount = 8
	cfg.Streaks.StreakElongationRadiusFactor = 0.1
	cfg.Streaks.StreakPixelMaskRadius = 2

	cfg.Run.Concurrency = runtime.NumCPU()
	cfg.Run.Progress = true
	cfg.Run.OutputDir = "output"
	cfg.Run.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
