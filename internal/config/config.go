package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ElectionHeadcount is the only supported representative election rule:
// a candidate wins when their ballot count reaches floor(n/2)+1 of the
// order's customer headcount, and all ballots are cleared on a change.
const ElectionHeadcount = "headcount"

// Config models escrowline.yml.
type Config struct {
	Settlement struct {
		AutoSignDays int    `yaml:"auto_sign_days"`
		Currency     string `yaml:"currency"`
	} `yaml:"settlement"`
	Election struct {
		Rule string `yaml:"rule"`
	} `yaml:"election"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one outbound event sink. An empty Events list
// forwards everything.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with esc config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Settlement.AutoSignDays <= 0 {
		return fmt.Errorf("config.settlement.auto_sign_days must be positive")
	}
	if c.Settlement.Currency == "" {
		return fmt.Errorf("config.settlement.currency is required")
	}
	if c.Election.Rule != ElectionHeadcount {
		return fmt.Errorf("config.election.rule must be %q", ElectionHeadcount)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
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
	return filepath.Join(workspace, "escrowline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
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

const defaultTemplate = `settlement:
  # Days after act creation before the customer-side signature is
  # applied automatically if the customer has not acted.
  auto_sign_days: 14
  currency: USD

election:
  # Representative election rule for group orders. Only headcount
  # majority is supported: floor(n/2)+1 ballots swap the representative
  # and clear all ballots.
  rule: headcount
`
