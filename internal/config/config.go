// Package config loads, validates and saves the autotask YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/xiaogangdengdai/autotask/internal/agent"
	"github.com/xiaogangdengdai/autotask/internal/digest"
	"github.com/xiaogangdengdai/autotask/internal/gateway"
	"github.com/xiaogangdengdai/autotask/internal/history"
	"github.com/xiaogangdengdai/autotask/internal/logging"
	"github.com/xiaogangdengdai/autotask/internal/prompt"
	"github.com/xiaogangdengdai/autotask/internal/webhooks"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the main configuration
type Config struct {
	Version   string           `yaml:"version"`
	Agent     *agent.Config    `yaml:"agent" validate:"required"`
	Scheduler *SchedulerConfig `yaml:"scheduler" validate:"required"`
	OutputDir string           `yaml:"output_dir" validate:"required"`
	Logging   *logging.Config  `yaml:"logging"`
	Policy    *prompt.Policy   `yaml:"policy"`
	History   *history.Config  `yaml:"history"`
	Digest    *digest.Config   `yaml:"digest"`
	Gateway   *gateway.Config  `yaml:"gateway"`
	Webhooks  *webhooks.Config `yaml:"webhooks"`
}

// SchedulerConfig holds poll loop settings
type SchedulerConfig struct {
	// CheckInterval is the sleep between probes when nothing is pending.
	CheckInterval time.Duration `yaml:"check_interval" validate:"gt=0"`
	// ErrorCooldown is the pause after an iteration fails unexpectedly.
	ErrorCooldown time.Duration `yaml:"error_cooldown" validate:"gt=0"`
}

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "autotask.yaml"

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	policy := prompt.DefaultPolicy()
	return &Config{
		Version: "1.0",
		Agent:   agent.DefaultConfig(),
		Scheduler: &SchedulerConfig{
			CheckInterval: 60 * time.Second,
			ErrorCooldown: 60 * time.Second,
		},
		OutputDir: "output",
		Logging:   logging.DefaultConfig(),
		Policy:    &policy,
		History:   history.DefaultConfig(),
		Digest:    digest.DefaultConfig(),
		Gateway:   gateway.DefaultConfig(),
		Webhooks:  webhooks.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.fillDefaults()
	config.OutputDir = expandPath(config.OutputDir)
	if config.Logging.File != "" {
		config.Logging.File = expandPath(config.Logging.File)
	}
	config.History.Path = expandPath(config.History.Path)

	return config, nil
}

// fillDefaults restores sections a file set to null and fills policy fields
// it left empty.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Agent == nil {
		c.Agent = def.Agent
	}
	if c.Scheduler == nil {
		c.Scheduler = def.Scheduler
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if c.Policy == nil {
		c.Policy = def.Policy
	} else {
		merged := c.Policy.Merge(*def.Policy)
		c.Policy = &merged
	}
	if c.History == nil {
		c.History = def.History
	}
	if c.Digest == nil {
		c.Digest = def.Digest
	}
	if c.Gateway == nil {
		c.Gateway = def.Gateway
	}
	if c.Webhooks == nil {
		c.Webhooks = def.Webhooks
	}
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// expandPath expands a leading ~ to the home directory
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the rules that span sections. Every error
// wraps ErrInvalid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}

	if c.Digest != nil && c.Digest.Enabled {
		if c.History == nil || !c.History.Enabled {
			return fmt.Errorf("%w: digest requires history to be enabled", ErrInvalid)
		}
		if err := c.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: digest: %v", ErrInvalid, err)
		}
	}

	if c.Webhooks != nil {
		if err := c.Webhooks.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if c.Logging != nil && c.Logging.Rotation != nil && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.rotation requires logging.file", ErrInvalid)
	}

	return nil
}

// describe renders validator errors as "Section.Field: tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", ns, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", ns, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
