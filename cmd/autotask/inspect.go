package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaogangdengdai/autotask/internal/config"
	"github.com/xiaogangdengdai/autotask/internal/extract"
	"github.com/xiaogangdengdai/autotask/internal/logging"
	"github.com/xiaogangdengdai/autotask/internal/prompt"
)

// initInspectLogging keeps parser warnings on stderr so stdout holds only the
// command's output.
func initInspectLogging() {
	_ = logging.Init(&logging.Config{Level: "warn", Format: "line", Output: "stderr"})
}

func parseArtifact(path string) (extract.Fields, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	parser := extract.NewParser(extract.DefaultSchema(), logging.WithComponent("extract"))
	return parser.Parse(string(data)), nil
}

func newParseCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "parse <stage1-artifact>",
		Short: "Extract the tagged fields from a saved stage-1 artifact",
		Long: `Replay the extractor on a stage-1 artifact from output_dir and print each
field. Useful to see why a run was abandoned or dispatched as it was.

Examples:
  autotask parse output/stage1_20261018_090000.txt
  autotask parse output/stage1_20261018_090000.txt --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initInspectLogging()
			fields, err := parseArtifact(args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(fields)
			}
			printFields(cmd.OutOrStdout(), extract.DefaultSchema(), fields)
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

func printFields(w io.Writer, schema extract.Schema, fields extract.Fields) {
	for _, name := range schema.Fields {
		value := fields.Get(name)
		if value == "" {
			value = "(empty)"
		}
		_, _ = fmt.Fprintf(w, "%-22s %s\n", name+":", value)
	}
	t := fields.Type()
	status := "unsupported"
	if t.Supported() {
		status = prompt.TemplateName(t)
	}
	_, _ = fmt.Fprintf(w, "%-22s %s\n", "dispatch:", status)
}

func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render <stage1-artifact>",
		Short: "Print the stage-2 prompt a stage-1 artifact would produce",
		Long: `Parse a stage-1 artifact and render the execution prompt with the configured
policy, without invoking the agent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initInspectLogging()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fields, err := parseArtifact(args[0])
			if err != nil {
				return err
			}

			rec := fields.Record()
			if !rec.HasID() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: no issue id; this run would be abandoned before execution")
			}
			text, err := prompt.NewBuilder(*cfg.Policy).Render(rec.Type, rec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
}
