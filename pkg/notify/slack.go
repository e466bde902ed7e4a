// Package notify sends human-facing alerts about failed or timed-out
// invocations to a chat channel.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/psantana5/safeinit/pkg/invocation"
	"github.com/psantana5/safeinit/pkg/logging"
)

const (
	failureColor   = "#e12424"
	defaultTimeout = 15 * time.Second
)

// Notification carries everything shown in one alert.
type Notification struct {
	// Context is a one-line description of what happened.
	Context string
	Err     error
	Handler string
	// Invocation is nil outside the Lambda runtime.
	Invocation invocation.Context
	// CaptureResult is the error backend outcome, nil when capture was not attempted.
	CaptureResult *bool
	Title         string
	// Extra is rendered as an additional markdown section.
	Extra string
}

// Captured is a helper for filling CaptureResult.
func Captured(ok bool) *bool { return &ok }

// Notifier delivers notifications. Implementations log their own failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Nop drops every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) {}

// SlackConfig configures a SlackNotifier.
type SlackConfig struct {
	WebhookURL  string
	Environment string
	// FunctionName and DDHandler are shown as context when set.
	FunctionName  string
	DDHandler     string
	RatePerMinute int
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// SlackNotifier posts Block Kit messages to an incoming webhook.
type SlackNotifier struct {
	cfg     SlackConfig
	client  *http.Client
	limiter *limiter
	logger  *logging.Logger
}

// NewSlackNotifier creates a notifier. An empty webhook URL is allowed; each
// Notify call then logs a warning and does nothing.
func NewSlackNotifier(cfg SlackConfig, l *logging.Logger) *SlackNotifier {
	if cfg.Environment == "" {
		cfg.Environment = "unknown"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &SlackNotifier{
		cfg:     cfg,
		client:  client,
		limiter: newLimiter(cfg.RatePerMinute),
		logger:  l,
	}
}

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, n Notification) {
	log := logging.OrDefault(s.logger)
	if s.cfg.WebhookURL == "" {
		log.Warn("Slack webhook URL is not set, skipping Slack notification")
		return
	}

	msg := BuildMessage(n, s.cfg)
	if !s.limiter.allow(title(n)) {
		log.Warn("Slack notification rate limit exceeded, skipping", map[string]interface{}{"title": title(n)})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.client, msg); err != nil {
		log.Exception("Slack message sending exception", err, map[string]interface{}{"message": msg.Text})
	}
}

func title(n Notification) string {
	if n.Title != "" {
		return n.Title
	}
	if n.Invocation != nil {
		return "Lambda execution failed"
	}
	return "Application execution failed"
}

// BuildMessage renders n as an incoming-webhook payload.
func BuildMessage(n Notification, cfg SlackConfig) *slack.WebhookMessage {
	env := strings.ToUpper(cfg.Environment)
	if env == "" {
		env = "UNKNOWN"
	}
	t := title(n)

	errText := "<nil>"
	if n.Err != nil {
		errText = n.Err.Error()
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(plain(fmt.Sprintf("[%s] %s :hear_no_evil:", env, t))),
		slack.NewContextBlock("", plain(n.Context)),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(plain(":face_palm: "+errText), nil, nil),
	}

	var elements []slack.MixedElement
	if n.Handler != "" {
		elements = append(elements, mrkdwn(":point_right: *Handler:* "+n.Handler))
	}
	if n.Invocation != nil {
		elements = append(elements,
			mrkdwn(":point_right: *AWS Request ID:* "+n.Invocation.RequestID()),
			mrkdwn(":point_right: *Lambda function name:* "+n.Invocation.Identity()),
		)
	}
	if cfg.DDHandler != "" {
		elements = append(elements, mrkdwn(":point_right: *ddtrace-wrapped:* "+cfg.DDHandler))
	}
	if cfg.FunctionName != "" && n.Invocation == nil {
		elements = append(elements, mrkdwn(":point_right: *Lambda name:* "+cfg.FunctionName))
	}
	if len(elements) > 0 {
		blocks = append(blocks, slack.NewContextBlock("", elements...))
	}

	if n.Extra != "" {
		blocks = append(blocks, slack.NewSectionBlock(mrkdwnText(n.Extra), nil, nil))
	}

	if n.CaptureResult != nil {
		status := ":ok_hand: The error has been sent to Sentry."
		if !*n.CaptureResult {
			status = ":rage: There also was an error sending the event to Sentry."
		}
		blocks = append(blocks, slack.NewSectionBlock(plain(status), nil, nil))
	}

	return &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] Safe Init: %s :pleading_face:", env, t),
		Attachments: []slack.Attachment{{
			Color:  failureColor,
			Blocks: slack.Blocks{BlockSet: blocks},
		}},
	}
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, true, false)
}

func mrkdwnText(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func mrkdwn(text string) slack.MixedElement {
	return mrkdwnText(text)
}
