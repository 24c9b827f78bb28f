// Package webhooks delivers run outcomes and digests to HTTP endpoints.
// Payloads are signed with HMAC-SHA256, failed deliveries are retried with
// exponential backoff, and each endpoint can filter the event types it wants.
package webhooks

import (
	"errors"
	"time"
)

// EventType names a webhook event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunAbandoned EventType = "run.abandoned"
	EventDigest       EventType = "digest.ready"
)

// Config holds configuration for outbound webhooks.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Endpoints []*EndpointConfig `yaml:"endpoints" validate:"dive"`
	Defaults  *EndpointDefaults `yaml:"defaults,omitempty"`
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,http_url"`

	// Secret signs payloads. Supports $VAR expansion through the config loader.
	Secret string `yaml:"secret,omitempty"`

	// Events filters delivery; empty means all events.
	Events []EventType `yaml:"events,omitempty" validate:"dive,oneof=run.started run.completed run.failed run.abandoned digest.ready"`

	Enabled bool              `yaml:"enabled"`
	Timeout time.Duration     `yaml:"timeout,omitempty" validate:"gte=0"`
	Retry   *RetryConfig      `yaml:"retry,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// EndpointDefaults holds default values for webhook endpoints.
type EndpointDefaults struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Retry   *RetryConfig  `yaml:"retry,omitempty"`
}

// RetryConfig defines retry behavior for failed webhook deliveries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
}

// DefaultConfig returns the webhook defaults. Webhooks are off unless enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Endpoints: []*EndpointConfig{},
		Defaults: &EndpointDefaults{
			Timeout: 10 * time.Second,
			Retry:   DefaultRetryConfig(),
		},
	}
}

// DefaultRetryConfig returns default retry settings.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// SubscribesTo reports whether the endpoint wants eventType.
func (e *EndpointConfig) SubscribesTo(eventType EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// GetTimeout returns the effective timeout for this endpoint.
func (e *EndpointConfig) GetTimeout(defaults *EndpointDefaults) time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	if defaults != nil && defaults.Timeout > 0 {
		return defaults.Timeout
	}
	return 10 * time.Second
}

// GetRetry returns the effective retry config for this endpoint.
func (e *EndpointConfig) GetRetry(defaults *EndpointDefaults) *RetryConfig {
	if e.Retry != nil {
		return e.Retry
	}
	if defaults != nil && defaults.Retry != nil {
		return defaults.Retry
	}
	return DefaultRetryConfig()
}

// Validate checks rules the struct tags cannot express.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	for _, ep := range c.Endpoints {
		if ep.Enabled {
			return nil
		}
	}
	return errors.New("webhooks enabled without an enabled endpoint")
}
