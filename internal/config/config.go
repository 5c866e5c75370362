package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models fieldsync.yml.
type Config struct {
	Backend struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"backend"`
	Uploads struct {
		Prefix              string `yaml:"prefix"`
		Concurrency         int    `yaml:"concurrency"`
		CompressThresholdKB int    `yaml:"compress_threshold_kb"`
	} `yaml:"uploads"`
	Sync struct {
		Attempts  int `yaml:"attempts"`
		BackoffMS int `yaml:"backoff_ms"`
	} `yaml:"sync"`
	Policy struct {
		RejectedTemplates []string `yaml:"rejected_templates"`
	} `yaml:"policy"`
	Agent struct {
		Listen    string `yaml:"listen"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"agent"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Uploads.Concurrency < 0 {
		return fmt.Errorf("config.uploads.concurrency must not be negative")
	}
	if c.Sync.Attempts < 0 {
		return fmt.Errorf("config.sync.attempts must not be negative")
	}
	if c.Sync.BackoffMS < 0 {
		return fmt.Errorf("config.sync.backoff_ms must not be negative")
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("config.backend.timeout_seconds must not be negative")
	}
	for _, p := range c.Policy.RejectedTemplates {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.policy.rejected_templates contains an empty pattern")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldsync.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fieldsync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// values are filled from defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	cfg.Policy.RejectedTemplates = []string{"null", "undefined", "test", "sample"}
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 30
	}
	if c.Uploads.Concurrency == 0 {
		c.Uploads.Concurrency = 3
	}
	if c.Uploads.CompressThresholdKB == 0 {
		c.Uploads.CompressThresholdKB = 512
	}
	if c.Uploads.Prefix == "" {
		c.Uploads.Prefix = "inspections"
	}
	if c.Sync.Attempts == 0 {
		c.Sync.Attempts = 2
	}
	if c.Sync.BackoffMS == 0 {
		c.Sync.BackoffMS = 600
	}
	if c.Agent.Listen == "" {
		c.Agent.Listen = "127.0.0.1:7643"
	}
}

// GenerateDefault returns default config YAML for fieldsync config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `backend:
  base_url: https://inspections.example.com
  token: ""
  timeout_seconds: 30

uploads:
  prefix: inspections
  concurrency: 3
  compress_threshold_kb: 512

sync:
  attempts: 2
  backoff_ms: 600

policy:
  rejected_templates: ["null", "undefined", "test", "sample"]

agent:
  listen: 127.0.0.1:7643
  jwt_secret: ""
`
