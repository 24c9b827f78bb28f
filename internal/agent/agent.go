// Package agent invokes the external AI coding agent as a subprocess.
//
// Every invocation is a single, non-interactive, best-effort call. Failures of
// any kind (non-zero exit, timeout, spawn error) come back in the same Result
// shape so callers have exactly one failure path. No retries happen here.
package agent

import (
	"context"
	"time"
)

// ExitFailed is the exit code reported when the agent could not produce a real
// exit status: timeout, cancellation or spawn failure.
const ExitFailed = -1

// Result is the outcome of one agent invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Success reports whether the agent exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Invoker runs one prompt through the agent and blocks until it exits or the
// timeout elapses. Implementations never return errors; see Result.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, timeout time.Duration) Result
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, prompt string, timeout time.Duration) Result

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, prompt string, timeout time.Duration) Result {
	return f(ctx, prompt, timeout)
}

// Config contains agent CLI settings.
type Config struct {
	// Command is the agent CLI (default: "claude").
	Command string `yaml:"command" validate:"required"`

	// PermissionMode is passed as --permission-mode (default: "bypassPermissions").
	PermissionMode string `yaml:"permission_mode" validate:"required"`

	// ExtraArgs are appended after --print and before the prompt.
	ExtraArgs []string `yaml:"extra_args,omitempty"`

	// WorkDir is the agent's working directory; empty means the current one.
	WorkDir string `yaml:"work_dir,omitempty"`

	// Timeout bounds extraction and execution calls.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// ProbeTimeout bounds the pending-work probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`

	// StatusTimeout bounds the status update call.
	StatusTimeout time.Duration `yaml:"status_timeout" validate:"gt=0"`

	// KillOnShutdown terminates an in-flight agent when the process is asked
	// to stop. When false the call runs until it exits or times out.
	KillOnShutdown bool `yaml:"kill_on_shutdown"`

	// GracePeriod is how long a terminated agent gets before SIGKILL. It must
	// be positive: without it an agent ignoring SIGTERM outlives its timeout.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gt=0"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() *Config {
	return &Config{
		Command:        "claude",
		PermissionMode: "bypassPermissions",
		Timeout:        30 * time.Minute,
		ProbeTimeout:   2 * time.Minute,
		StatusTimeout:  5 * time.Minute,
		KillOnShutdown: true,
		GracePeriod:    5 * time.Second,
	}
}
