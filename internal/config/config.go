package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "cadence.yml"

// Config models cadence.yml.
type Config struct {
	Materialize struct {
		HorizonDays int `yaml:"horizon_days"`
	} `yaml:"materialize"`
	Defaults struct {
		Timezone string `yaml:"timezone"`
		Notify   bool   `yaml:"notify"`
	} `yaml:"defaults"`
	Refresh struct {
		Schedule string `yaml:"schedule"`
	} `yaml:"refresh"`
	Server struct {
		Addr               string `yaml:"addr"`
		BasePath           string `yaml:"base_path"`
		RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one outbound event subscription.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Horizon returns the materialization horizon as a day count.
func (c *Config) Horizon() int {
	if c == nil || c.Materialize.HorizonDays <= 0 {
		return 365
	}
	return c.Materialize.HorizonDays
}

// Timeout returns the webhook delivery timeout.
func (w Webhook) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cad init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Materialize.HorizonDays < 1 || c.Materialize.HorizonDays > 3660 {
		return fmt.Errorf("config.materialize.horizon_days must be between 1 and 3660")
	}
	if c.Defaults.Timezone == "" {
		return fmt.Errorf("config.defaults.timezone is required")
	}
	if _, err := time.LoadLocation(c.Defaults.Timezone); err != nil {
		return fmt.Errorf("config.defaults.timezone %q: %w", c.Defaults.Timezone, err)
	}
	if c.Refresh.Schedule != "" {
		if _, err := cron.ParseStandard(c.Refresh.Schedule); err != nil {
			return fmt.Errorf("config.refresh.schedule: %w", err)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("config.server.rate_limit_per_minute must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an absolute URL", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(timezone string) string {
	if timezone == "" {
		timezone = "UTC"
	}
	return fmt.Sprintf(defaultTemplate, timezone)
}

// LoadOptional returns the defaults if the config file does not exist.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("UTC"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `materialize:
  horizon_days: 365

defaults:
  timezone: %s
  notify: true

refresh:
  schedule: "@daily"

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  rate_limit_per_minute: 600

log:
  level: info
  format: text

# webhooks:
#   - url: https://example.com/hook
#     events: [instances.materialized]
#     secret: change-me
#     timeout_seconds: 5
`
