package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/xiaogangdengdai/autotask/internal/logging"
)

// ClaudeInvoker runs prompts through the claude CLI:
//
//	claude --permission-mode bypassPermissions --print [extra args] <prompt>
type ClaudeInvoker struct {
	config *Config
	log    *slog.Logger
}

// NewClaudeInvoker creates an invoker. Missing settings use DefaultConfig.
func NewClaudeInvoker(config *Config) *ClaudeInvoker {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.Command == "" {
		cfg.Command = defaults.Command
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = defaults.PermissionMode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	return &ClaudeInvoker{
		config: &cfg,
		log:    logging.WithComponent("agent"),
	}
}

// Available reports whether the agent command can be found.
func (c *ClaudeInvoker) Available() bool {
	_, err := exec.LookPath(c.config.Command)
	return err == nil
}

// Args returns the command-line arguments for prompt.
func (c *ClaudeInvoker) Args(prompt string) []string {
	args := []string{"--permission-mode", c.config.PermissionMode, "--print"}
	args = append(args, c.config.ExtraArgs...)
	return append(args, prompt)
}

// Invoke runs prompt and waits for the agent to exit or timeout to elapse.
// A non-positive timeout uses the configured default.
func (c *ClaudeInvoker) Invoke(ctx context.Context, prompt string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	if !c.config.KillOnShutdown {
		// Shutdown must not interrupt the agent; only the timeout does.
		ctx = context.WithoutCancel(ctx)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.config.Command, c.Args(prompt)...)
	cmd.Dir = c.config.WorkDir
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		c.log.Warn("Stopping agent, waiting grace period before hard kill",
			slog.Int("pid", cmd.Process.Pid),
			slog.Duration("grace_period", c.config.GracePeriod),
		)
		return terminateProcess(cmd.Process)
	}
	cmd.WaitDelay = c.config.GracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.log.Info("Invoking agent",
		slog.String("command", c.config.Command+" --permission-mode "+c.config.PermissionMode+" --print <prompt>"),
		slog.Int("prompt_chars", len([]rune(prompt))),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && cmd.Process != nil {
		// Anything left in the process group after the grace period goes too.
		_ = killProcess(cmd.Process)
	}

	res := Result{Duration: elapsed}
	switch {
	case err == nil:
		// A clean exit wins over a deadline that fired while Run returned.
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = ExitFailed
		res.TimedOut = true
		res.Stderr = fmt.Sprintf("agent execution timed out (%v)", timeout)
	case ctx.Err() != nil:
		res.ExitCode = ExitFailed
		res.Stderr = fmt.Sprintf("agent execution cancelled: %v", ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode == 0 {
				res.ExitCode = ExitFailed
			}
			res.Stdout = stdout.String()
			res.Stderr = stderr.String()
		} else {
			res.ExitCode = ExitFailed
			res.Stderr = err.Error()
		}
	}

	c.log.Info("Agent finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Duration("duration", elapsed.Round(time.Millisecond)),
	)

	return res
}
