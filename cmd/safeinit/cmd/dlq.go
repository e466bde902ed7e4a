package cmd

import (
	"context"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/safeinit/pkg/deadletter"
)

var (
	dlqDest  string
	dlqLimit int
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-letter destinations",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored dead letters, newest first",
	Long: `List the dead letters stored in a PostgreSQL or SQLite destination. The
destination defaults to SAFE_INIT_DLQ.`,
	Args: cobra.NoArgs,
	RunE: runDLQList,
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)

	dlqCmd.PersistentFlags().StringVar(&dlqDest, "dest", "", "dead-letter destination (default $SAFE_INIT_DLQ)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 20, "maximum number of records")
}

func runDLQList(cmd *cobra.Command, args []string) error {
	dest := dlqDest
	if dest == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		dest = cfg.DeadLetter
	}
	if dest == "" {
		return fmt.Errorf("no dead-letter destination configured")
	}

	kind, err := deadletter.ParseKind(dest)
	if err != nil {
		return err
	}
	if kind != deadletter.KindPostgres && kind != deadletter.KindSQLite {
		return fmt.Errorf("listing is only supported for postgres and sqlite destinations, not %s", kind)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sink, err := deadletter.NewSink(ctx, dest)
	if err != nil {
		return err
	}
	defer sink.Close()

	store, ok := sink.(*deadletter.SQLSink)
	if !ok {
		return fmt.Errorf("destination %s cannot be listed", kind)
	}
	records, err := store.List(ctx, dlqLimit)
	if err != nil {
		return err
	}
	if records == nil {
		records = []deadletter.Record{}
	}
	if ok, err := printStructured(cmd.OutOrStdout(), records); ok || err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("ID", "Type", "Handler", "Lambda", "Request ID", "Created")
	for _, r := range records {
		table.Append(r.ID, r.Type, dash(r.Handler), dash(r.LambdaName), dash(r.AWSRequestID),
			r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	table.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d dead letter(s)\n", len(records))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
