package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/psantana5/safeinit/internal/report"
	"github.com/psantana5/safeinit/internal/wrapper"
	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/handler"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/shutdown"
	"github.com/psantana5/safeinit/pkg/tracer"
)

var (
	invokePayload   string
	invokeTimeout   time.Duration
	invokeRequestID string
	invokeTrace     bool
	invokeTraceOut  string
	invokeTraceTop  int
	invokeMetrics   bool
)

// invokeCmd represents the invoke command
var invokeCmd = &cobra.Command{
	Use:   "invoke [handler]",
	Short: "Invoke a handler once with a synthetic Lambda context",
	Long: `Initialize a handler exactly like the Lambda entry point does and invoke it
once. The synthetic context carries --timeout as the function timeout, so the
timeout watchdog, error reporting and dead-letter forwarding all behave as in
production. Use --timeout 0 to run without an invocation context.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)

	invokeCmd.Flags().StringVarP(&invokePayload, "payload", "p", "{}", "event payload, @file to read a file or - for stdin")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", 30*time.Second, "synthetic function timeout")
	invokeCmd.Flags().StringVar(&invokeRequestID, "request-id", "", "request id (default random)")
	invokeCmd.Flags().BoolVar(&invokeTrace, "trace", false, "record instrumented function calls")
	invokeCmd.Flags().StringVar(&invokeTraceOut, "trace-out", "", "write recorded calls as JSON to this file")
	invokeCmd.Flags().IntVar(&invokeTraceTop, "trace-top", 10, "number of slowest functions to show")
	invokeCmd.Flags().BoolVar(&invokeMetrics, "metrics", false, "print the safeinit metrics after the invocation")
}

func readPayload(arg string, stdin io.Reader) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		return os.ReadFile(strings.TrimPrefix(arg, "@"))
	}
	return []byte(arg), nil
}

type invokeResult struct {
	Handler   string                       `json:"handler" yaml:"handler"`
	RequestID string                       `json:"request_id" yaml:"request_id"`
	Outcome   string                       `json:"outcome" yaml:"outcome"`
	Duration  string                       `json:"duration" yaml:"duration"`
	Output    json.RawMessage              `json:"output,omitempty" yaml:"-"`
	OutputRaw string                       `json:"-" yaml:"output,omitempty"`
	Error     string                       `json:"error,omitempty" yaml:"error,omitempty"`
	Traces    []tracer.FunctionCallSummary `json:"traces,omitempty" yaml:"traces,omitempty"`
}

func runInvoke(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Handler = pickHandler(args, cfg)

	payload, err := readPayload(invokePayload, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sd := shutdown.New(5*time.Second, log)
	defer func() { _ = sd.Shutdown() }()

	rec := report.NewRecorder(10, log)
	h, err := handler.Init(ctx, cfg,
		handler.WithLogger(log),
		handler.WithShutdown(sd),
		handler.WithGuardOptions(guard.WithObserver(rec)))
	if err != nil {
		return err
	}

	var session *tracer.Session
	if invokeTrace {
		session = tracer.NewSession(tracer.WithLogger(log))
		session.Arm()
		ctx = tracer.WithSession(ctx, session)
	}

	resp := wrapper.Run(ctx, h, wrapper.Request{
		FunctionName: cfg.FunctionName,
		RequestID:    invokeRequestID,
		Payload:      payload,
		Timeout:      invokeTimeout,
	})
	session.Disarm()

	result := invokeResult{
		Handler:   cfg.Handler,
		RequestID: resp.RequestID,
		Outcome:   "success",
		Duration:  resp.Duration.Round(time.Millisecond).String(),
	}
	if last := rec.Last(); last != nil {
		result.Outcome = last.Outcome
	}
	if resp.Err != nil {
		result.Error = resp.Err.Error()
		if rec.Last() == nil {
			result.Outcome = "error"
		}
	} else if json.Valid(resp.Output) {
		result.Output = resp.Output
	}
	result.OutputRaw = string(resp.Output)

	if session != nil {
		calls := session.Calls()
		result.Traces = tracer.Top(tracer.Aggregate(calls), invokeTraceTop)
		if invokeTraceOut != "" {
			if err := writeCalls(invokeTraceOut, calls); err != nil {
				return err
			}
		}
	}

	if err := printInvokeResult(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if invokeMetrics {
		fmt.Fprintln(cmd.OutOrStdout())
		if err := writeMetrics(cmd.OutOrStdout(), metrics.Default().Registry()); err != nil {
			return err
		}
	}
	if resp.Err != nil {
		return errors.New("handler invocation failed")
	}
	return nil
}

// writeMetrics prints the safeinit_* families in the Prometheus text format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "safeinit_") {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func writeCalls(path string, calls []tracer.FunctionCall) error {
	if calls == nil {
		calls = []tracer.FunctionCall{}
	}
	data, err := json.MarshalIndent(calls, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace file: %w", err)
	}
	return nil
}

func printInvokeResult(w io.Writer, result invokeResult) error {
	if ok, err := printStructured(w, result); ok || err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Handler", result.Handler)
	table.Append("Request ID", result.RequestID)
	table.Append("Outcome", result.Outcome)
	table.Append("Duration", result.Duration)
	if result.Error != "" {
		table.Append("Error", result.Error)
	} else {
		table.Append("Output", truncate(result.OutputRaw, 120))
	}
	table.Render()

	if len(result.Traces) > 0 {
		fmt.Fprintln(w)
		renderSummaries(w, result.Traces)
	}
	return nil
}

func renderSummaries(w io.Writer, summaries []tracer.FunctionCallSummary) {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Function", "Calls", "Total", "File")
	for i, s := range summaries {
		table.Append(
			fmt.Sprintf("%d", i+1),
			s.Name,
			fmt.Sprintf("%d", s.Count),
			fmt.Sprintf("%.3fs", s.Total.Seconds()),
			s.File,
		)
	}
	table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
