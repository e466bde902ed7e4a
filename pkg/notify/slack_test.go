package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/safeinit/pkg/invocation"
	"github.com/psantana5/safeinit/pkg/logging"
)

type webhook struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	status int
}

func newWebhook(t *testing.T, status int) (*webhook, string) {
	t.Helper()
	w := &webhook{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		w.mu.Lock()
		w.bodies = append(w.bodies, body)
		w.mu.Unlock()
		rw.WriteHeader(w.status)
	}))
	t.Cleanup(srv.Close)
	return w, srv.URL
}

func (w *webhook) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

func blockTexts(t *testing.T, body map[string]interface{}) []string {
	t.Helper()
	atts := body["attachments"].([]interface{})
	require.Len(t, atts, 1)
	att := atts[0].(map[string]interface{})
	assert.Equal(t, failureColor, att["color"])

	var texts []string
	for _, b := range att["blocks"].([]interface{}) {
		block := b.(map[string]interface{})
		if txt, ok := block["text"].(map[string]interface{}); ok {
			texts = append(texts, txt["text"].(string))
		}
		if els, ok := block["elements"].([]interface{}); ok {
			for _, e := range els {
				texts = append(texts, e.(map[string]interface{})["text"].(string))
			}
		}
	}
	return texts
}

func TestSlackNotifierLambdaFailure(t *testing.T) {
	hook, url := newWebhook(t, http.StatusOK)
	n := NewSlackNotifier(SlackConfig{WebhookURL: url, Environment: "prod"}, logging.Nop())

	n.Notify(context.Background(), Notification{
		Context:       "Unhandled runtime exception detected",
		Err:           errors.New("boom"),
		Handler:       "orders.handler",
		Invocation:    invocation.NewStatic("orders-api", "req-1", time.Minute),
		CaptureResult: Captured(false),
		Extra:         "Top 1 most time-consuming function call:",
	})

	require.Equal(t, 1, hook.count())
	body := hook.bodies[0]
	assert.Equal(t, "[PROD] Safe Init: Lambda execution failed :pleading_face:", body["text"])

	texts := blockTexts(t, body)
	assert.Equal(t, []string{
		"[PROD] Lambda execution failed :hear_no_evil:",
		"Unhandled runtime exception detected",
		":face_palm: boom",
		":point_right: *Handler:* orders.handler",
		":point_right: *AWS Request ID:* req-1",
		":point_right: *Lambda function name:* orders-api",
		"Top 1 most time-consuming function call:",
		":rage: There also was an error sending the event to Sentry.",
	}, texts)
}

func TestBuildMessageApplicationDefaults(t *testing.T) {
	msg := BuildMessage(Notification{Context: "ctx", Err: errors.New("x")},
		SlackConfig{Environment: "dev", FunctionName: "fn", DDHandler: "app.handler"})

	assert.Equal(t, "[DEV] Safe Init: Application execution failed :pleading_face:", msg.Text)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), ":point_right: *ddtrace-wrapped:* app.handler")
	assert.Contains(t, string(raw), ":point_right: *Lambda name:* fn")
	assert.NotContains(t, string(raw), "Sentry")
}

func TestSlackNotifierWithoutURL(t *testing.T) {
	n := NewSlackNotifier(SlackConfig{}, logging.Nop())
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), Notification{Err: errors.New("x")})
	})
}

func TestSlackNotifierSwallowsHTTPErrors(t *testing.T) {
	hook, url := newWebhook(t, http.StatusInternalServerError)
	n := NewSlackNotifier(SlackConfig{WebhookURL: url}, logging.Nop())

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), Notification{Err: errors.New("x")})
	})
	assert.Equal(t, 1, hook.count())
}

func TestSlackNotifierRateLimit(t *testing.T) {
	hook, url := newWebhook(t, http.StatusOK)
	n := NewSlackNotifier(SlackConfig{WebhookURL: url, RatePerMinute: 2}, logging.Nop())

	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), Notification{Err: errors.New("x")})
	}
	n.Notify(context.Background(), Notification{Err: errors.New("x"), Title: "Timeout"})

	assert.Equal(t, 3, hook.count())
}
