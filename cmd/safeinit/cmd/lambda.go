package cmd

import (
	"github.com/spf13/cobra"

	"github.com/psantana5/safeinit/pkg/handler"
)

// lambdaCmd represents the lambda command
var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Serve the configured handler in the Lambda runtime",
	Long: `Initialize the handler named by SAFE_INIT_HANDLER and hand it to the
Lambda runtime. This is the entry point of a deployed function.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		handler.Start()
	},
}

// handlersCmd represents the handlers command
var handlersCmd = &cobra.Command{
	Use:   "handlers",
	Short: "List registered handlers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := handler.Names()
		if ok, err := printStructured(cmd.OutOrStdout(), names); ok || err != nil {
			return err
		}
		for _, name := range names {
			cmd.Println(name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lambdaCmd)
	rootCmd.AddCommand(handlersCmd)
}
