// Package config loads the lessongen configuration: the ordered provider
// chain, credentials, model limits and queue settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/lessongen/internal/logging"
	"github.com/roelfdiedericks/lessongen/internal/paths"
)

// Environment overrides
const (
	EnvMaxConcurrent = "LESSONGEN_MAX_CONCURRENT"
	EnvTaskTimeout   = "LESSONGEN_TASK_TIMEOUT" // seconds
)

// Provider types understood by the adapter factory
var ProviderTypes = []string{
	"openai", "groq", "together", "cerebras", "chutes", "openrouter", "gemini", "g4f",
	"anthropic", "xai", "ollama",
}

// keylessTypes run locally and may be configured without API keys
var keylessTypes = []string{"g4f", "ollama"}

// Config is the root configuration
type Config struct {
	Logging   LoggingConfig    `json:"logging" toml:"logging" yaml:"logging"`
	Queue     QueueConfig      `json:"queue" toml:"queue" yaml:"queue"`
	Cooldowns CooldownConfig   `json:"cooldowns" toml:"cooldowns" yaml:"cooldowns"`
	Metrics   MetricsConfig    `json:"metrics" toml:"metrics" yaml:"metrics"`
	Providers []ProviderConfig `json:"providers" toml:"providers" yaml:"providers" validate:"required,min=1,dive"` // Order = fallback priority
}

// LoggingConfig configures the global logger
type LoggingConfig struct {
	Level      string `json:"level" toml:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	File       string `json:"file,omitempty" toml:"file" yaml:"file,omitempty"` // Rotated with lumberjack when set
	MaxSizeMB  int    `json:"maxSizeMB,omitempty" toml:"maxSizeMB" yaml:"maxSizeMB,omitempty" validate:"min=0"`
	MaxBackups int    `json:"maxBackups,omitempty" toml:"maxBackups" yaml:"maxBackups,omitempty" validate:"min=0"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty" toml:"maxAgeDays" yaml:"maxAgeDays,omitempty" validate:"min=0"`
}

// QueueConfig configures admission control
type QueueConfig struct {
	MaxConcurrent      int                          `json:"maxConcurrent" toml:"maxConcurrent" yaml:"maxConcurrent" validate:"min=1"`
	TaskTimeoutSeconds int                          `json:"taskTimeoutSeconds" toml:"taskTimeoutSeconds" yaml:"taskTimeoutSeconds" validate:"min=1"`
	RetentionHours     int                          `json:"retentionHours" toml:"retentionHours" yaml:"retentionHours" validate:"min=1"`
	CleanupSchedule    string                       `json:"cleanupSchedule" toml:"cleanupSchedule" yaml:"cleanupSchedule"` // robfig/cron spec, e.g. "@every 10m"
	DefaultPriority    int                          `json:"defaultPriority" toml:"defaultPriority" yaml:"defaultPriority" validate:"min=1,max=100"`
	ContentTypes       map[string]ContentTypeConfig `json:"contentTypes" toml:"contentTypes" yaml:"contentTypes" validate:"dive"`
}

// ContentTypeConfig holds generation parameters and the initial ETA seed for one content type
type ContentTypeConfig struct {
	MaxTokens   int     `json:"maxTokens" toml:"maxTokens" yaml:"maxTokens" validate:"min=0"`
	Temperature float64 `json:"temperature" toml:"temperature" yaml:"temperature" validate:"min=0,max=2"`
	AvgSeconds  int     `json:"avgSeconds" toml:"avgSeconds" yaml:"avgSeconds" validate:"min=0"`
}

// CooldownConfig holds cooldown durations applied after classified failures
type CooldownConfig struct {
	RateLimitSeconds      int `json:"rateLimitSeconds" toml:"rateLimitSeconds" yaml:"rateLimitSeconds" validate:"min=0"`
	TransientSeconds      int `json:"transientSeconds" toml:"transientSeconds" yaml:"transientSeconds" validate:"min=0"`
	ModelRateLimitSeconds int `json:"modelRateLimitSeconds" toml:"modelRateLimitSeconds" yaml:"modelRateLimitSeconds" validate:"min=0"`
	ModelTransientSeconds int `json:"modelTransientSeconds" toml:"modelTransientSeconds" yaml:"modelTransientSeconds" validate:"min=0"`
	MaxSeconds            int `json:"maxSeconds" toml:"maxSeconds" yaml:"maxSeconds" validate:"min=0"`
	FailureThreshold      int `json:"failureThreshold" toml:"failureThreshold" yaml:"failureThreshold" validate:"min=0"`
}

// MetricsConfig controls metrics persistence
type MetricsConfig struct {
	Persist bool   `json:"persist" toml:"persist" yaml:"persist"`
	Path    string `json:"path,omitempty" toml:"path" yaml:"path,omitempty"` // Default: ~/.lessongen/metrics.db
}

// ProviderConfig is one entry of the fallback chain
type ProviderConfig struct {
	Name           string        `json:"name" toml:"name" yaml:"name" validate:"required"`
	Type           string        `json:"type" toml:"type" yaml:"type" validate:"required"`
	BaseURL        string        `json:"baseURL,omitempty" toml:"baseURL" yaml:"baseURL,omitempty" validate:"omitempty,url"`
	APIKeys        []string      `json:"apiKeys,omitempty" toml:"apiKeys" yaml:"apiKeys,omitempty"`
	APIKeysEnv     string        `json:"apiKeysEnv,omitempty" toml:"apiKeysEnv" yaml:"apiKeysEnv,omitempty"` // Comma separated keys; default <NAME>_API_KEYS
	TimeoutSeconds int           `json:"timeoutSeconds,omitempty" toml:"timeoutSeconds" yaml:"timeoutSeconds,omitempty" validate:"min=0"`
	KeyRPM         int           `json:"keyRPM,omitempty" toml:"keyRPM" yaml:"keyRPM,omitempty" validate:"min=0"` // 0 = unlimited
	KeyRPD         int           `json:"keyRPD,omitempty" toml:"keyRPD" yaml:"keyRPD,omitempty" validate:"min=0"`
	Disabled       bool          `json:"disabled,omitempty" toml:"disabled" yaml:"disabled,omitempty"`
	Models         []ModelConfig `json:"models" toml:"models" yaml:"models" validate:"required,min=1,dive"`
}

// ModelConfig is one model offered by a provider
type ModelConfig struct {
	ID            string `json:"id" toml:"id" yaml:"id" validate:"required"`
	Priority      int    `json:"priority" toml:"priority" yaml:"priority"` // Lower = tried first
	RPM           int    `json:"rpm" toml:"rpm" yaml:"rpm" validate:"min=0"` // 0 = unlimited
	RPD           int    `json:"rpd" toml:"rpd" yaml:"rpd" validate:"min=0"`
	ContextTokens int    `json:"contextTokens,omitempty" toml:"contextTokens" yaml:"contextTokens,omitempty" validate:"min=0"`
}

// Defaults returns the built-in configuration merged under every loaded file
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Queue: QueueConfig{
			MaxConcurrent:      3,
			TaskTimeoutSeconds: 280,
			RetentionHours:     24,
			CleanupSchedule:    "@every 10m",
			DefaultPriority:    50,
			ContentTypes: map[string]ContentTypeConfig{
				"lesson_plan": {MaxTokens: 8192, Temperature: 0.7, AvgSeconds: 90},
				"exercise":    {MaxTokens: 4096, Temperature: 0.7, AvgSeconds: 45},
				"game":        {MaxTokens: 4096, Temperature: 0.8, AvgSeconds: 60},
				"course":      {MaxTokens: 8192, Temperature: 0.7, AvgSeconds: 120},
			},
		},
		Cooldowns: CooldownConfig{
			RateLimitSeconds:      120,
			TransientSeconds:      60,
			ModelRateLimitSeconds: 60,
			ModelTransientSeconds: 15,
			MaxSeconds:            600,
			FailureThreshold:      3,
		},
	}
}

var providerDefaults = ProviderConfig{
	TimeoutSeconds: 120,
}

// Load reads configuration from path (or the default lookup when empty),
// applies .env and environment overrides, merges defaults and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.L_warn("config: failed to load .env", "error", err)
	}

	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		if found == "" {
			return nil, fmt.Errorf("no config found (looked for ./%s.{json,toml,yaml} and ~/.lessongen/)", paths.ConfigBaseName)
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logging.L_debug("config: loaded", "path", path, "providers", len(cfg.Providers))
	return cfg, nil
}

// Parse decodes data in the format named by ext (".json", ".toml", ".yaml"),
// then applies environment overrides, defaults and validation.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}

	var err error
	switch strings.ToLower(ext) {
	case ".json", "":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if err := mergo.Merge(c, Defaults()); err != nil {
		return fmt.Errorf("merge defaults: %w", err)
	}
	for i := range c.Providers {
		if err := mergo.Merge(&c.Providers[i], providerDefaults); err != nil {
			return fmt.Errorf("merge provider defaults: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := envInt(EnvMaxConcurrent); ok {
		c.Queue.MaxConcurrent = v
	}
	if v, ok := envInt(EnvTaskTimeout); ok {
		c.Queue.TaskTimeoutSeconds = v
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		name := p.APIKeysEnv
		if name == "" {
			name = DefaultKeysEnv(p.Name)
		}
		if raw := os.Getenv(name); raw != "" {
			p.APIKeys = append(p.APIKeys, splitKeys(raw)...)
		}
		p.APIKeys = lo.Uniq(lo.Compact(p.APIKeys))
	}
}

// DefaultKeysEnv is the env variable consulted for a provider without apiKeysEnv.
func DefaultKeysEnv(providerName string) string {
	name := strings.ToUpper(providerName)
	name = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
	return name + "_API_KEYS"
}

func splitKeys(raw string) []string {
	return lo.FilterMap(strings.Split(raw, ","), func(k string, _ int) (string, bool) {
		k = strings.TrimSpace(k)
		return k, k != ""
	})
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logging.L_warn("config: ignoring invalid env override", "var", name, "value", raw)
		return 0, false
	}
	return v, true
}

// Validate checks struct constraints plus cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("invalid config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		if !lo.Contains(ProviderTypes, p.Type) {
			return fmt.Errorf("invalid config: provider %s: unknown type %q", p.Name, p.Type)
		}
		if p.Disabled {
			continue
		}
		if len(p.APIKeys) == 0 && !lo.Contains(keylessTypes, p.Type) {
			return fmt.Errorf("invalid config: provider %s has no API keys (set apiKeys or %s)", p.Name, keysEnvFor(p))
		}
	}

	if len(c.EnabledProviders()) == 0 {
		return errors.New("invalid config: every provider is disabled")
	}
	return nil
}

func keysEnvFor(p ProviderConfig) string {
	if p.APIKeysEnv != "" {
		return p.APIKeysEnv
	}
	return DefaultKeysEnv(p.Name)
}

// EnabledProviders returns the providers in chain order, skipping disabled ones.
func (c *Config) EnabledProviders() []ProviderConfig {
	return lo.Filter(c.Providers, func(p ProviderConfig, _ int) bool {
		return !p.Disabled
	})
}

// TaskTimeout is the per-task deadline.
func (q QueueConfig) TaskTimeout() time.Duration {
	return time.Duration(q.TaskTimeoutSeconds) * time.Second
}

// Retention is how long terminal tasks are kept before Cleanup evicts them.
func (q QueueConfig) Retention() time.Duration {
	return time.Duration(q.RetentionHours) * time.Hour
}

// Timeout is the per-call network timeout for a provider.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// LogConfig converts the logging section for logging.Init.
func (l LoggingConfig) LogConfig() *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(l.Level)
	if l.File != "" {
		if expanded, err := paths.ExpandTilde(l.File); err == nil {
			cfg.File = expanded
		} else {
			cfg.File = l.File
		}
	}
	if l.MaxSizeMB > 0 {
		cfg.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxBackups > 0 {
		cfg.MaxBackups = l.MaxBackups
	}
	if l.MaxAgeDays > 0 {
		cfg.MaxAgeDays = l.MaxAgeDays
	}
	return cfg
}

// MetricsPath resolves the metrics database location.
func (m MetricsConfig) MetricsPath() (string, error) {
	if m.Path != "" {
		return paths.ExpandTilde(m.Path)
	}
	return paths.DataPath("metrics.db")
}
