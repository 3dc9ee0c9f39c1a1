package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

type Config struct {
	Runtime  RuntimeConfig `yaml:"runtime"`
	Document mrtd.BACKey   `yaml:"document"`
	Output   OutputConfig  `yaml:"output"`
}

type RuntimeConfig struct {
	ReaderIndex *int `yaml:"reader_index"`
	Trace       bool `yaml:"trace,omitempty"`
}

type OutputConfig struct {
	FaceDir string `yaml:"face_dir"`
	JSON    string `yaml:"json,omitempty"`
}

// Load reads, resolves and validates the config at path.
func Load(path string) (*Config, error) {
	cfg, err := Decode(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads the config at path and resolves its relative paths without
// validating, so command line values can still fill gaps.
func Decode(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	return &cfg, nil
}

// Validate checks the settings needed before touching a reader. Missing
// document fields are allowed; the tool prompts for them.
func (c *Config) Validate() error {
	if c.Runtime.ReaderIndex == nil {
		return fmt.Errorf("config.runtime.reader_index is required")
	}
	if *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}

	if err := validateDate(c.Document.DateOfBirth, "config.document.date_of_birth"); err != nil {
		return err
	}
	if err := validateDate(c.Document.DateOfExpiry, "config.document.date_of_expiry"); err != nil {
		return err
	}
	if len(mrtd.FixDocumentNumber(c.Document.DocumentNumber)) > 9 {
		return fmt.Errorf("config.document.number must be at most 9 characters")
	}

	if strings.TrimSpace(c.Output.FaceDir) == "" {
		return fmt.Errorf("config.output.face_dir is required")
	}
	if info, err := os.Stat(c.Output.FaceDir); err == nil && !info.IsDir() {
		return fmt.Errorf("config.output.face_dir must point to a directory, got file")
	}
	if strings.TrimSpace(c.Output.JSON) != "" {
		if info, err := os.Stat(c.Output.JSON); err == nil && info.IsDir() {
			return fmt.Errorf("config.output.json must point to a file, got directory")
		}
	}

	return nil
}

// Complete reports whether every document field is present.
func (c *Config) Complete() bool {
	d := c.Document
	return strings.TrimSpace(d.DocumentNumber) != "" &&
		strings.TrimSpace(d.DateOfBirth) != "" &&
		strings.TrimSpace(d.DateOfExpiry) != ""
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Output.FaceDir = resolvePath(configDir, c.Output.FaceDir)
	c.Output.JSON = resolvePath(configDir, c.Output.JSON)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateDate(value, field string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	if len(v) != 6 || strings.Trim(v, "0123456789") != "" {
		return fmt.Errorf("%s must be YYMMDD, got %q", field, value)
	}
	return nil
}
