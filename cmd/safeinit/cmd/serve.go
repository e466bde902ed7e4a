package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/safeinit/internal/report"
	"github.com/psantana5/safeinit/internal/server"
	"github.com/psantana5/safeinit/pkg/auth"
	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/handler"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/shutdown"
	tlsutil "github.com/psantana5/safeinit/pkg/tls"
	"github.com/psantana5/safeinit/pkg/tracing"
)

var (
	serveAddr       string
	serveTimeout    time.Duration
	serveIncidents  int
	serveAPIKeys    []string
	serveGenKey     bool
	serveTLSCert    string
	serveTLSKey     string
	serveSelfSigned bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve registered handlers over HTTP for local testing",
	Long: `Start a local HTTP server. POST /invoke/{handler} runs the named handler
with the request body as its event; the X-Safe-Init-Timeout header sets the
synthetic function timeout in seconds. Prometheus metrics are served on
/metrics and recent failures on /incidents.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:9000", "listen address")
	serveCmd.Flags().DurationVar(&serveTimeout, "timeout", 30*time.Second, "default synthetic function timeout")
	serveCmd.Flags().IntVar(&serveIncidents, "incidents", 100, "number of incidents kept in memory")
	serveCmd.Flags().StringSliceVar(&serveAPIKeys, "api-key", nil, "require this API key (repeatable, default $SAFE_INIT_SERVE_API_KEY)")
	serveCmd.Flags().BoolVar(&serveGenKey, "generate-api-key", false, "generate a random API key and print it")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS key file")
	serveCmd.Flags().BoolVar(&serveSelfSigned, "self-signed", false, "serve HTTPS with a generated self-signed certificate")
}

func serveAPIKeySet(cmd *cobra.Command) (*auth.APIKeys, error) {
	keys := append([]string(nil), serveAPIKeys...)
	if env := os.Getenv("SAFE_INIT_SERVE_API_KEY"); env != "" && len(keys) == 0 {
		keys = append(keys, env)
	}
	if serveGenKey {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API key: %s\n", key)
		keys = append(keys, key)
	}
	return auth.NewAPIKeys(keys...)
}

func serveTLSConfig(cmd *cobra.Command) (*tls.Config, error) {
	certFile, keyFile := serveTLSCert, serveTLSKey
	if serveSelfSigned {
		dir, err := os.MkdirTemp("", "safeinit-tls-")
		if err != nil {
			return nil, err
		}
		if certFile, keyFile, err = tlsutil.GenerateSelfSigned(dir, "localhost"); err != nil {
			return nil, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Self-signed certificate: %s\n", certFile)
	}
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("--tls-cert and --tls-key must be set together")
	}
	return tlsutil.ServerConfig(certFile, keyFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	keys, err := serveAPIKeySet(cmd)
	if err != nil {
		return err
	}
	tlsConfig, err := serveTLSConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sd := shutdown.New(10*time.Second, log)
	sd.Register("logger", shutdown.CloseResource(log))

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "safeinit-local",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEndpoint != "",
	}, log)
	if err != nil {
		log.Exception("Tracing disabled", err)
		tp = nil
	} else {
		sd.Register("tracing", tp.Shutdown)
	}

	m := metrics.Default()
	rec := report.NewRecorder(serveIncidents, log)
	build := func(ctx context.Context, name string) (guard.Handler, error) {
		c := *cfg
		c.Handler = name
		return handler.Init(ctx, &c,
			handler.WithLogger(log),
			handler.WithMetrics(m),
			handler.WithShutdown(sd),
			handler.WithGuardOptions(guard.WithObserver(rec)))
	}

	srv := server.New(build, rec,
		server.WithMetrics(m),
		server.WithTracing(tp),
		server.WithLogger(log),
		server.WithFunctionName(cfg.FunctionName),
		server.WithDefaultTimeout(serveTimeout),
		server.WithAPIKeys(keys),
		server.WithTLS(tlsConfig))

	var serveErr error
	stopped := make(chan struct{})
	go func() {
		serveErr = srv.ListenAndServe(ctx, serveAddr)
		close(stopped)
		cancel()
	}()
	sd.Register("http server", func(context.Context) error {
		cancel()
		<-stopped
		return nil
	})

	if err := sd.WaitWithContext(ctx); err != nil {
		return err
	}
	return serveErr
}
