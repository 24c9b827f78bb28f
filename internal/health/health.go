// Package health inspects the host before the scheduler starts: the agent
// binary, git, the artifact directory and which optional features are on.
package health

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xiaogangdengdai/autotask/internal/agent"
	"github.com/xiaogangdengdai/autotask/internal/config"
)

// Status represents feature or dependency status
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusDisabled
)

// Check represents a health check result
type Check struct {
	Name    string
	Status  Status
	Message string
	Fix     string
}

// FeatureStatus represents a feature with its availability
type FeatureStatus struct {
	Name    string
	Enabled bool
	Status  Status
	Note    string
}

// Report contains all health check results
type Report struct {
	Dependencies []Check
	Features     []FeatureStatus
}

// HasErrors reports whether any dependency check failed outright.
func (r *Report) HasErrors() bool {
	for _, c := range r.Dependencies {
		if c.Status == StatusError {
			return true
		}
	}
	return false
}

// RunChecks performs all health checks based on config
func RunChecks(cfg *config.Config) *Report {
	return &Report{
		Dependencies: checkDependencies(cfg),
		Features:     checkFeatures(cfg),
	}
}

func checkDependencies(cfg *config.Config) []Check {
	checks := []Check{checkAgent(cfg.Agent)}

	// Execution prompts ask the agent to branch and commit.
	if version := getCommandVersion("git", "--version"); version != "" {
		checks = append(checks, Check{Name: "git", Status: StatusOK, Message: version})
	} else {
		checks = append(checks, Check{
			Name:    "git",
			Status:  StatusWarning,
			Message: "not found (agent cannot branch or commit)",
			Fix:     "install git",
		})
	}

	checks = append(checks, checkOutputDir(cfg.OutputDir))
	return checks
}

func checkAgent(cfg *agent.Config) Check {
	command := cfg.Command
	if !agent.NewClaudeInvoker(cfg).Available() {
		return Check{
			Name:    command,
			Status:  StatusError,
			Message: "not found",
			Fix:     "npm install -g @anthropic-ai/claude-code, or set agent.command",
		}
	}
	version := getCommandVersion(command, "--version")
	if version == "" {
		version = "installed"
	}
	return Check{Name: command, Status: StatusOK, Message: version}
}

// checkOutputDir creates the directory if needed and checks it is writable.
func checkOutputDir(dir string) Check {
	name := "output_dir"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Check{Name: name, Status: StatusError, Message: err.Error(), Fix: "set output_dir to a writable path"}
	}
	f, err := os.CreateTemp(dir, ".autotask-health-*")
	if err != nil {
		return Check{Name: name, Status: StatusError, Message: "not writable: " + err.Error(), Fix: "set output_dir to a writable path"}
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return Check{Name: name, Status: StatusOK, Message: abs}
}

func checkFeatures(cfg *config.Config) []FeatureStatus {
	features := []FeatureStatus{}

	historyOn := cfg.History != nil && cfg.History.Enabled
	f := FeatureStatus{Name: "History", Enabled: historyOn, Status: boolToStatus(historyOn)}
	if historyOn {
		f.Note = cfg.History.Driver + " " + cfg.History.Path
	}
	features = append(features, f)

	digestOn := cfg.Digest != nil && cfg.Digest.Enabled
	f = FeatureStatus{Name: "Digest", Enabled: digestOn, Status: boolToStatus(digestOn)}
	if digestOn && !historyOn {
		f.Status = StatusWarning
		f.Note = "needs history enabled"
	}
	features = append(features, f)

	gatewayOn := cfg.Gateway != nil && cfg.Gateway.Enabled
	f = FeatureStatus{Name: "Gateway", Enabled: gatewayOn, Status: boolToStatus(gatewayOn)}
	if gatewayOn && cfg.Gateway.Host != "127.0.0.1" && cfg.Gateway.Host != "localhost" &&
		(cfg.Gateway.Auth == nil || cfg.Gateway.Auth.Token == "") {
		f.Status = StatusWarning
		f.Note = "listening on " + cfg.Gateway.Host + " with local-only auth"
	}
	features = append(features, f)

	webhooksOn := cfg.Webhooks != nil && cfg.Webhooks.Enabled
	f = FeatureStatus{Name: "Webhooks", Enabled: webhooksOn, Status: boolToStatus(webhooksOn)}
	if webhooksOn {
		n := 0
		for _, ep := range cfg.Webhooks.Endpoints {
			if ep.Enabled {
				n++
			}
		}
		f.Note = strconv.Itoa(n) + " endpoint(s)"
	}
	features = append(features, f)

	killOn := cfg.Agent.KillOnShutdown
	features = append(features, FeatureStatus{Name: "Kill on stop", Enabled: killOn, Status: boolToStatus(killOn)})

	return features
}

func getCommandVersion(cmd string, args ...string) string {
	out, err := exec.Command(cmd, args...).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if strings.Contains(version, " ") {
		for _, p := range strings.Fields(version) {
			if strings.Contains(p, ".") {
				return p
			}
		}
	}
	return version
}

func boolToStatus(enabled bool) Status {
	if enabled {
		return StatusOK
	}
	return StatusDisabled
}

// Symbol returns the symbol for a status
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	case StatusDisabled:
		return "·"
	default:
		return "?"
	}
}
