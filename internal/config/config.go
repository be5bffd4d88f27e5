package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models studyline.yml.
type Config struct {
	Study struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"study"`
	Scheduler struct {
		// Upper bound, in days, on how far ahead a caller may ask for tasks.
		MaxHorizonDays int `yaml:"max_horizon_days"`
		// Window length used when a caller does not pass an explicit end.
		DefaultWindowDays int `yaml:"default_window_days"`
	} `yaml:"scheduler"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// Accept the X-Health-Code header in place of credentials. Meant for
		// local development only.
		AllowLegacyHealthCodeHeader bool `yaml:"allow_legacy_health_code_header"`
	} `yaml:"auth"`
	Server struct {
		BasePath string `yaml:"base_path"`
		Addr     string `yaml:"addr"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Study.ID == "" {
		return fmt.Errorf("config.study.id is required")
	}
	if c.Scheduler.MaxHorizonDays < 1 {
		return fmt.Errorf("config.scheduler.max_horizon_days must be >= 1")
	}
	if c.Scheduler.DefaultWindowDays < 1 {
		return fmt.Errorf("config.scheduler.default_window_days must be >= 1")
	}
	if c.Scheduler.DefaultWindowDays > c.Scheduler.MaxHorizonDays {
		return fmt.Errorf("config.scheduler.default_window_days cannot exceed max_horizon_days")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "studyline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a study.
func Default(studyID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, studyID)), &cfg)
	cfg.Study.ID = studyID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(studyID string) string {
	return fmt.Sprintf(defaultTemplate, studyID)
}

const defaultTemplate = `study:
  id: %s
  name: Study

scheduler:
  max_horizon_days: 4
  default_window_days: 2

auth:
  jwt_secret: ""
  allow_legacy_health_code_header: true

server:
  base_path: /v0
  addr: :8080
`
