package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models agentrelay.yml.
type Config struct {
	Relay struct {
		Upstream  string `yaml:"upstream"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"relay"`
	Planner struct {
		Endpoint  string `yaml:"endpoint"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"planner"`
	Engine struct {
		SettleDelayMS  int    `yaml:"settle_delay_ms"`
		NoMatchDelayMS int    `yaml:"no_match_delay_ms"`
		ReceiptSecret  string `yaml:"receipt_secret"`
	} `yaml:"engine"`
	Wallet struct {
		RPCURL   string `yaml:"rpc_url"`
		Contract string `yaml:"contract"`
		Address  string `yaml:"address"`
	} `yaml:"wallet"`
	Defaults struct {
		CompanyName string  `yaml:"company_name"`
		Budget      float64 `yaml:"budget"`
	} `yaml:"defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig points the log dispatcher at an external consumer.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// APIKey resolves the relay credential from the configured env var.
func (c *Config) APIKey() string {
	if c.Relay.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Relay.APIKeyEnv)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Relay.Upstream) == "" {
		return fmt.Errorf("config.relay.upstream is required")
	}
	if strings.TrimSpace(c.Relay.APIKeyEnv) == "" {
		return fmt.Errorf("config.relay.api_key_env is required")
	}
	if c.Planner.TimeoutMS < 0 {
		return fmt.Errorf("config.planner.timeout_ms must not be negative")
	}
	if c.Engine.SettleDelayMS < 0 || c.Engine.NoMatchDelayMS < 0 {
		return fmt.Errorf("config.engine delays must not be negative")
	}
	if c.Defaults.Budget < 0 {
		return fmt.Errorf("config.defaults.budget must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentrelay.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML for `arl init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `relay:
  upstream: https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent
  api_key_env: GEMINI_API_KEY

planner:
  # Where the plan generator sends decomposition requests. Point this at a
  # running relay so the credential stays server-side.
  endpoint: http://127.0.0.1:8080/v0/relay/generate
  timeout_ms: 60000

engine:
  settle_delay_ms: 1500
  no_match_delay_ms: 2000
  receipt_secret: agentrelay-dev

wallet:
  rpc_url: ""
  contract: "0x8ccedbAe4916b79da7F3F612efb2EB093a1Fbc87"
  address: ""

defaults:
  company_name: Managed Global Entity
  budget: 100
`
