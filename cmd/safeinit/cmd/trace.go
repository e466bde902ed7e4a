package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/safeinit/pkg/config"
	"github.com/psantana5/safeinit/pkg/tracer"
)

var (
	traceLimit int
	traceSlack bool
)

// traceCmd represents the trace command
var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Summarize recorded function calls",
	Long: `Aggregate the calls in a trace file written by "invoke --trace-out" and
show the slowest functions. --slack renders the same markdown that timeout
notifications carry.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)

	traceCmd.Flags().IntVar(&traceLimit, "limit", 10, "number of functions to show, -1 for all")
	traceCmd.Flags().BoolVar(&traceSlack, "slack", false, "render as Slack markdown")
}

func runTrace(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read trace file: %w", err)
	}
	var calls []tracer.FunctionCall
	if err := json.Unmarshal(data, &calls); err != nil {
		return fmt.Errorf("failed to parse trace file: %w", err)
	}
	summaries := tracer.Aggregate(calls)

	if traceSlack {
		var home []string
		if cfg, err := config.FromViper(settings); err == nil {
			home = cfg.TracerHomePaths
		}
		fmt.Fprintln(cmd.OutOrStdout(), tracer.Format(summaries, traceLimit, home))
		return nil
	}

	top := tracer.Top(summaries, traceLimit)
	if ok, err := printStructured(cmd.OutOrStdout(), top); ok || err != nil {
		return err
	}
	if len(top) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No function calls were traced")
		return nil
	}
	renderSummaries(cmd.OutOrStdout(), top)
	return nil
}
