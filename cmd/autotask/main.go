package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/xiaogangdengdai/autotask/internal/config"
)

var version = "0.1.0"

var configPath string

func main() {
	// A missing .env is normal; variables may come from the environment.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autotask",
		Short: "Poll for issues and hand them to the claude CLI",
		Long: `autotask polls an issue tracker through the claude CLI, extracts each pending
issue into structured fields, runs the matching execution prompt and reports
the outcome back to the tracker.

All tracker access happens through the agent's own tools; autotask only
drives the agent, keeps artifacts and reconciles status.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "path to the YAML config file")

	rootCmd.AddCommand(
		newRunCmd(),
		newOnceCmd(),
		newParseCmd(),
		newRenderCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

// loadConfig loads and validates the file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show autotask version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autotask v%s\n", version)
		},
	}
}
