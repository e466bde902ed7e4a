// Package reporting sends handler failures and timeout warnings to an error
// tracking backend.
package reporting

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/psantana5/safeinit/pkg/logging"
)

// CaptureOptions decorate one captured error.
type CaptureOptions struct {
	// Fingerprint groups related events in the backend.
	Fingerprint []string
	Tags        map[string]string
	// Attachments are JSON encoded and attached as <name>.json.
	Attachments map[string]interface{}
}

// Reporter captures errors. Capture reports whether the backend accepted the
// event and must never panic or block for long.
type Reporter interface {
	Capture(err error, opts CaptureOptions) bool
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(err error, opts CaptureOptions) bool

// Capture implements Reporter.
func (f ReporterFunc) Capture(err error, opts CaptureOptions) bool { return f(err, opts) }

// Nop never captures anything.
type Nop struct{}

// Capture implements Reporter.
func (Nop) Capture(error, CaptureOptions) bool { return false }

// SentryConfig configures a SentryReporter.
type SentryConfig struct {
	DSN          string
	Environment  string
	Release      string
	FlushTimeout time.Duration
	// BeforeSend is passed through to the Sentry client.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// SentryReporter captures errors on a dedicated Sentry hub so it does not
// interfere with a hub the handler configured itself.
type SentryReporter struct {
	cfg    SentryConfig
	logger *logging.Logger

	once    sync.Once
	hub     *sentry.Hub
	initErr error
}

// NewSentryReporter creates a reporter. The Sentry client is created lazily
// on the first capture.
func NewSentryReporter(cfg SentryConfig, l *logging.Logger) *SentryReporter {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	return &SentryReporter{cfg: cfg, logger: l}
}

func (r *SentryReporter) init() {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         r.cfg.DSN,
		Environment: r.cfg.Environment,
		Release:     r.cfg.Release,
		BeforeSend:  r.cfg.BeforeSend,
	})
	if err != nil {
		r.initErr = err
		return
	}
	r.hub = sentry.NewHub(client, sentry.NewScope())
}

// Capture implements Reporter.
func (r *SentryReporter) Capture(err error, opts CaptureOptions) (ok bool) {
	log := logging.OrDefault(r.logger)
	if r.cfg.DSN == "" {
		log.Warn("Sentry is not installed")
		return false
	}

	r.once.Do(r.init)
	if r.initErr != nil {
		log.Warn("Failed to initialize Sentry", map[string]interface{}{"error": r.initErr.Error()})
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Warn("Failed to capture exception in Sentry", map[string]interface{}{"panic": fmt.Sprint(rec)})
			ok = false
		}
	}()

	var id *sentry.EventID
	r.hub.WithScope(func(scope *sentry.Scope) {
		if len(opts.Fingerprint) > 0 {
			scope.SetFingerprint(opts.Fingerprint)
		}
		for k, v := range opts.Tags {
			scope.SetTag(k, v)
		}
		for _, name := range sortedKeys(opts.Attachments) {
			payload, err := json.Marshal(opts.Attachments[name])
			if err != nil {
				log.Warn("Failed to serialize attachment to JSON, skipping", map[string]interface{}{"key": name})
				continue
			}
			scope.AddAttachment(&sentry.Attachment{
				Filename:    name + ".json",
				ContentType: "application/json",
				Payload:     payload,
			})
		}
		id = r.hub.CaptureException(err)
	})

	// Lambda freezes the process as soon as the handler returns.
	r.hub.Flush(r.cfg.FlushTimeout)
	return id != nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HubConfigured reports whether the process-wide Sentry hub has a client,
// i.e. whether the handler called sentry.Init itself.
func HubConfigured() bool {
	return sentry.CurrentHub().Client() != nil
}
