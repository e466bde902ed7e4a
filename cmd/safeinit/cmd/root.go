package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/safeinit/pkg/config"
	"github.com/psantana5/safeinit/pkg/handler"
	"github.com/psantana5/safeinit/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	handlerName  string
	debug        bool

	settings = config.NewViper()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "safeinit",
	Short: "Run Lambda handlers behind the safe-init guard",
	Long: `safeinit wraps registered Lambda handlers with timeout warnings, error
reporting and dead-letter forwarding. It runs them in the Lambda runtime,
invokes them locally, and inspects traces and dead letters.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default $SAFE_INIT_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&handlerName, "handler", "", "handler name (default $SAFE_INIT_HANDLER)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	_ = settings.BindPFlag("handler", rootCmd.PersistentFlags().Lookup("handler"))
	_ = settings.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

// initConfig reads the config file, if any. Environment variables still win
// over file values; explicit flags win over both.
func initConfig() {
	if cfgFile == "" {
		_ = settings.BindEnv("config_file")
		cfgFile = settings.GetString("config_file")
	}
	if cfgFile == "" {
		return
	}
	if err := config.ReadFile(settings, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration and sets up the default
// logger from it.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.FromViper(settings)
	if err != nil {
		return nil, nil, err
	}
	log, err := handler.NewLogger(cfg)
	if err != nil {
		log.Warn("Log file disabled", map[string]interface{}{"error": err.Error()})
	}
	logging.SetDefault(log)
	return cfg, log, nil
}

// pickHandler returns the handler named on the command line, falling back
// to the configured one.
func pickHandler(args []string, cfg *config.Config) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return cfg.Handler
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// IsYAMLOutput returns true if YAML output is requested
func IsYAMLOutput() bool {
	return outputFormat == "yaml"
}

// printStructured writes v as JSON or YAML. It reports false for table
// output so callers can render their own table.
func printStructured(w io.Writer, v interface{}) (bool, error) {
	switch {
	case IsJSONOutput():
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case IsYAMLOutput():
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return true, enc.Encode(v)
	}
	return false, nil
}
