package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xiaogangdengdai/autotask/internal/config"
	"github.com/xiaogangdengdai/autotask/internal/gateway"
	"github.com/xiaogangdengdai/autotask/internal/webhooks"
)

const maskedSecret = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage autotask configuration",
		Long: `Create, view and validate the autotask YAML configuration.

Subcommands:
  init         Write a config file with defaults
  show         Show the effective configuration
  validate     Validate the configuration
  path         Show config file path

Examples:
  autotask config init                   # Write autotask.yaml
  autotask config show --json            # Effective config as JSON
  autotask -c prod.yaml config validate  # Validate another file`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigPathCmd(),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
			}
			if err := config.Save(config.DefaultConfig(), configPath); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Display the configuration after defaults, environment expansion and path
expansion. The gateway token and webhook secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return writeConfig(cmd.OutOrStdout(), maskSecrets(cfg), outputJSON)
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

// writeConfig prints cfg as YAML, or as JSON with the same snake_case keys.
func writeConfig(w io.Writer, cfg *config.Config, asJSON bool) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if !asJSON {
		_, err = w.Write(data)
		return err
	}

	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to convert config: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tree)
}

// maskSecrets returns a copy of cfg with credentials replaced.
func maskSecrets(cfg *config.Config) *config.Config {
	out := *cfg
	if cfg.Gateway != nil && cfg.Gateway.Auth != nil && cfg.Gateway.Auth.Token != "" {
		gw := *cfg.Gateway
		auth := *cfg.Gateway.Auth
		auth.Token = maskedSecret
		gw.Auth = &auth
		out.Gateway = &gw
	}
	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		wh := *cfg.Webhooks
		wh.Endpoints = make([]*webhooks.EndpointConfig, len(cfg.Webhooks.Endpoints))
		for i, ep := range cfg.Webhooks.Endpoints {
			masked := *ep
			if masked.Secret != "" {
				masked.Secret = maskedSecret
			}
			wh.Endpoints[i] = &masked
		}
		out.Webhooks = &wh
	}
	return &out
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration file and check required fields, ranges and
cross-section rules. A missing file validates the defaults.

Exit Codes:
  0    Configuration is valid
  1    Syntax errors or validation failures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("invalid config file: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Gateway.Enabled && !isLoopbackHost(cfg.Gateway.Host) &&
				(cfg.Gateway.Auth == nil || cfg.Gateway.Auth.Type != gateway.AuthTypeAPIToken) {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: gateway binds %s with local auth; remote clients will be rejected\n", cfg.Gateway.Host)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := os.Stat(configPath)
			switch {
			case err == nil:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), configPath)
			case errors.Is(err, os.ErrNotExist):
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (not found, defaults apply)\n", configPath)
			default:
				return err
			}
			return nil
		},
	}
}
