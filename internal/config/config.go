package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "fixitnow.yml"

// Config models fixitnow.yml.
type Config struct {
	Matching      MatchingConfig      `yaml:"matching" json:"matching"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions" json:"subscriptions"`
	Webhooks      []WebhookConfig     `yaml:"webhooks" json:"webhooks"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" json:"telemetry"`
}

type MatchingConfig struct {
	// RequireAvailable drops workers that flagged themselves unavailable.
	RequireAvailable bool          `yaml:"require_available" json:"require_available"`
	RetryInterval    time.Duration `yaml:"retry_interval" json:"retry_interval"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts" json:"retry_max_attempts"`
}

type NotificationsConfig struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// Messages maps a notification kind to its text; {title} is replaced with
	// the issue title.
	Messages map[string]string `yaml:"messages" json:"messages"`
}

type SubscriptionsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxElapsed   time.Duration `yaml:"max_elapsed" json:"max_elapsed"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Kinds          []string `yaml:"kinds" json:"kinds"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

type TelemetryConfig struct {
	Stdout   bool          `yaml:"stdout" json:"stdout"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

var knownKinds = []string{"matched", "accepted", "submitted", "approved", "rejected", "cancelled"}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Matching.RetryInterval <= 0 {
		return fmt.Errorf("config.matching.retry_interval must be positive")
	}
	if c.Matching.RetryMaxAttempts < 1 {
		return fmt.Errorf("config.matching.retry_max_attempts must be at least 1")
	}
	if c.Notifications.MaxAttempts < 2 {
		return fmt.Errorf("config.notifications.max_attempts must be at least 2")
	}
	for kind, msg := range c.Notifications.Messages {
		if !isKnownKind(kind) {
			return fmt.Errorf("config.notifications.messages has unknown kind %s", kind)
		}
		if strings.TrimSpace(msg) == "" {
			return fmt.Errorf("config.notifications.messages.%s is empty", kind)
		}
	}
	if c.Subscriptions.PollInterval <= 0 {
		return fmt.Errorf("config.subscriptions.poll_interval must be positive")
	}
	if c.Subscriptions.MaxElapsed <= 0 {
		return fmt.Errorf("config.subscriptions.max_elapsed must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, k := range hook.Kinds {
			if !isKnownKind(k) {
				return fmt.Errorf("config.webhooks[%d] has unknown kind %s", i, k)
			}
		}
	}
	return nil
}

func isKnownKind(k string) bool {
	for _, known := range knownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Message renders the configured text for kind.
func (c *Config) Message(kind, title string) string {
	msg := c.Notifications.Messages[kind]
	if msg == "" {
		msg = Default().Notifications.Messages[kind]
	}
	if title == "" {
		title = "Untitled"
	}
	return strings.ReplaceAll(msg, "{title}", title)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config, falling back to defaults when the file is
// absent. Keys missing from the file keep their default values.
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes on top of the defaults.
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

const defaultTemplate = `matching:
  require_available: false
  retry_interval: 30s
  retry_max_attempts: 5

notifications:
  max_attempts: 3
  messages:
    matched: "New job request in your category: {title}"
    accepted: "Your issue was accepted by a worker: {title}"
    submitted: "Worker submitted work for your issue: {title}"
    approved: "Your submitted work was approved by the user."
    rejected: "User rejected the submission. Please review and resubmit."
    cancelled: "The customer cancelled the job: {title}"

subscriptions:
  poll_interval: 2s
  max_elapsed: 30s

webhooks: []

telemetry:
  stdout: false
  interval: 60s
`
