package config

import (
	"fmt"
	"os"
	"time"

	"repair-service/internal/llm"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Mode string `yaml:"mode"` // gin mode: "debug" or "release"
	} `yaml:"server"`

	Log struct {
		Mode string `yaml:"mode"` // "development" or "production"
	} `yaml:"log"`

	// Multiple providers configuration, tried in order
	Providers []llm.ProviderConfig `yaml:"providers"`

	Database struct {
		Path string `yaml:"path"` // SQLite file or badger directory
		Type string `yaml:"type"` // "sqlite" or "badger"
	} `yaml:"database"`

	MaxFailuresBeforeSwitch int `yaml:"max_failures_before_switch"`

	Generation struct {
		Language string        `yaml:"language"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"generation"`

	Worker struct {
		Workers     int           `yaml:"workers"`
		QueueSize   int           `yaml:"queue_size"`
		DequeueWait time.Duration `yaml:"dequeue_wait"`
		StopTimeout time.Duration `yaml:"stop_timeout"`
		Retention   time.Duration `yaml:"retention"`
	} `yaml:"worker"`

	Validator struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"validator"`

	Verification struct {
		Scope string `yaml:"scope"` // "dataset" or "focus"
	} `yaml:"verification"`
}

// LoadConfig loads configuration from YAML file
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	// Expand environment variables in secrets and endpoints
	for i := range config.Providers {
		config.Providers[i].APIKey = os.ExpandEnv(config.Providers[i].APIKey)
		config.Providers[i].BaseURL = os.ExpandEnv(config.Providers[i].BaseURL)
	}
	config.Validator.URL = os.ExpandEnv(config.Validator.URL)
	config.Database.Path = os.ExpandEnv(config.Database.Path)

	return config, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8002"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "development"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Path == "" {
		if c.Database.Type == "badger" {
			c.Database.Path = "./data/knowledge"
		} else {
			c.Database.Path = "./data/knowledge.db"
		}
	}

	if c.MaxFailuresBeforeSwitch == 0 {
		c.MaxFailuresBeforeSwitch = 3
	}

	if c.Generation.Language == "" {
		c.Generation.Language = "en"
	}
	if c.Generation.Timeout == 0 {
		c.Generation.Timeout = 90 * time.Second
	}

	if c.Worker.Workers == 0 {
		c.Worker.Workers = 1
	}
	if c.Worker.QueueSize == 0 {
		c.Worker.QueueSize = 100
	}
	if c.Worker.DequeueWait == 0 {
		c.Worker.DequeueWait = time.Second
	}
	if c.Worker.StopTimeout == 0 {
		c.Worker.StopTimeout = 5 * time.Second
	}
	if c.Worker.Retention == 0 {
		c.Worker.Retention = time.Hour
	}

	if c.Validator.Timeout == 0 {
		c.Validator.Timeout = 30 * time.Second
	}

	if c.Verification.Scope == "" {
		c.Verification.Scope = "dataset"
	}
}

func (c *Config) validate() error {
	switch c.Log.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("unsupported log mode: %s", c.Log.Mode)
	}

	switch c.Database.Type {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	switch c.Verification.Scope {
	case "dataset", "focus":
	default:
		return fmt.Errorf("unsupported verification scope: %s", c.Verification.Scope)
	}

	if c.Worker.Workers < 0 || c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}

	return nil
}
