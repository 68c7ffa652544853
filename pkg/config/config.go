// Package config provides configuration loading and management for airwayseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many files are measured or meshed in parallel
		NumCores int `yaml:"numCores"`

		// Seed fixes the alias shuffle; 0 means a random shuffle per run
		Seed uint64 `yaml:"seed"`
	} `yaml:"processing"`

	// Predictor parameters for the external segmentation tool
	Predictor struct {
		// Command is the executable invoked for prediction
		Command string `yaml:"command"`

		// Dataset is the trained dataset id passed with -d
		Dataset string `yaml:"dataset"`

		// Configuration is the network configuration passed with -c
		Configuration string `yaml:"configuration"`

		// Folds is passed with -f; empty omits the flag
		Folds []string `yaml:"folds"`

		// ExtraArgs are appended verbatim
		ExtraArgs []string `yaml:"extraArgs"`

		// BaseDir holds nnUNet_raw, nnUNet_results and nnUNet_preprocessed.
		// Empty means ../../nnUNet_training_v2 relative to the working directory.
		BaseDir string `yaml:"baseDir"`

		// RawDir, ResultsDir and PreprocessedDir override the BaseDir layout
		RawDir          string `yaml:"rawDir"`
		ResultsDir      string `yaml:"resultsDir"`
		PreprocessedDir string `yaml:"preprocessedDir"`

		// EnvFile is a dotenv file loaded before the environment is built
		EnvFile string `yaml:"envFile"`
	} `yaml:"predictor"`

	// Anonymize lists the DICOM attributes overwritten during de-identification.
	// The value "{alias}" is replaced by the generated alias.
	Anonymize struct {
		Fields []Field `yaml:"fields"`
	} `yaml:"anonymize"`

	// Mesh parameters for STL export
	Mesh struct {
		// Label is the segmentation label turned into a surface
		Label int `yaml:"label"`

		// Decimate merges coplanar faces before smoothing
		Decimate bool `yaml:"decimate"`

		// CoplanarEpsilon bounds the normal deviation of merged faces
		CoplanarEpsilon float64 `yaml:"coplanarEpsilon"`

		// SmoothingIterations and Relaxation control Laplacian smoothing
		SmoothingIterations int     `yaml:"smoothingIterations"`
		Relaxation          float64 `yaml:"relaxation"`

		// FlipXY converts RAS coordinates to LPS before writing
		FlipXY bool `yaml:"flipXY"`
	} `yaml:"mesh"`

	// Volume calculation parameters
	Volume struct {
		// Label is the airway label counted in segmentation volumes
		Label int `yaml:"label"`

		// Format is "txt" (tab separated) or "csv"
		Format string `yaml:"format"`
	} `yaml:"volume"`

	// Output parameters
	Output struct {
		// Suffix is appended to the input folder name to build the output root
		Suffix string `yaml:"suffix"`

		// Previews saves mid-slice QC images for each segmentation
		Previews bool `yaml:"previews"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`

	// Ledger parameters
	Ledger struct {
		// Enabled records runs, renames and volumes in a local SQLite file
		Enabled bool `yaml:"enabled"`

		// Dir holds ledger.db; empty means ~/.airwayseg
		Dir string `yaml:"dir"`
	} `yaml:"ledger"`

	// Watch parameters for the inbox watcher
	Watch struct {
		// PollSeconds is the delay between inbox scans
		PollSeconds int `yaml:"pollSeconds"`

		// SettleSeconds is how long a folder must stay unchanged before it is processed
		SettleSeconds int `yaml:"settleSeconds"`
	} `yaml:"watch"`
}

// Field is one DICOM attribute and the value written during anonymization
type Field struct {
	Keyword string `yaml:"keyword"`
	Value   string `yaml:"value"`
}

// AliasPlaceholder is replaced by the generated alias in anonymization values
const AliasPlaceholder = "{alias}"

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Predictor.Command = "nnUNetv2_predict"
	cfg.Predictor.Dataset = "14"
	cfg.Predictor.Configuration = "3d_fullres"
	cfg.Predictor.Folds = []string{"all"}
	cfg.Predictor.EnvFile = ".env"

	cfg.Anonymize.Fields = []Field{
		{Keyword: "PatientName", Value: AliasPlaceholder},
		{Keyword: "PatientID", Value: "ANON"},
		{Keyword: "PatientBirthDate", Value: "N/A"},
		{Keyword: "PatientSex", Value: "N/A"},
	}

	cfg.Mesh.Label = 1
	cfg.Mesh.Decimate = true
	cfg.Mesh.CoplanarEpsilon = 1e-5
	cfg.Mesh.SmoothingIterations = 5
	cfg.Mesh.Relaxation = 0.1
	cfg.Mesh.FlipXY = true

	cfg.Volume.Label = 1
	cfg.Volume.Format = "txt"

	cfg.Output.Suffix = "_Processed"

	cfg.Logging.Level = "info"

	cfg.Ledger.Enabled = true

	cfg.Watch.PollSeconds = 10
	cfg.Watch.SettleSeconds = 60

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that cannot be defaulted silently
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		c.Processing.NumCores = 1
	}
	switch c.Volume.Format {
	case "txt", "csv":
	default:
		return fmt.Errorf("invalid volume.format %q (must be txt or csv)", c.Volume.Format)
	}
	if c.Predictor.Command == "" {
		return fmt.Errorf("predictor.command must not be empty")
	}
	if c.Mesh.SmoothingIterations < 0 {
		return fmt.Errorf("mesh.smoothingIterations must be non-negative")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// LoadEnvFile reads KEY=VALUE pairs from a dotenv file without touching the
// process environment. A missing file yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("error reading env file %s: %w", path, err)
	}
	return env, nil
}

// LedgerDir returns the directory of the ledger database
func (c *Config) LedgerDir() (string, error) {
	if c.Ledger.Dir != "" {
		return c.Ledger.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".airwayseg"), nil
}
