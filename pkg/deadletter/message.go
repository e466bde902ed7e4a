// Package deadletter persists the input of failed or timed-out invocations so
// they can be replayed later.
package deadletter

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/safeinit/pkg/invocation"
)

// Message types.
const (
	TypeLambda = "lambda"
	TypeOther  = "other"
)

// Invocation is the captured input of one guarded call. It is never mutated
// after capture.
type Invocation struct {
	Payload []byte
	// Context is nil for calls that did not come from the Lambda runtime.
	Context invocation.Context
	Handler string
}

// Message is the JSON document written to a dead-letter destination.
type Message struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	Event        json.RawMessage `json:"event,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	LambdaName   string          `json:"lambda_name,omitempty"`
	LambdaARN    string          `json:"lambda_arn,omitempty"`
	AWSRequestID string          `json:"aws_request_id,omitempty"`
	Handler      string          `json:"handler"`
}

// NewMessage builds the message for inv at now.
func NewMessage(inv Invocation, now time.Time) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: now.Unix(),
		Handler:   inv.Handler,
	}
	payload := embed(inv.Payload)
	if inv.Context != nil {
		msg.Type = TypeLambda
		msg.Event = payload
		msg.LambdaName = inv.Context.Identity()
		msg.LambdaARN = inv.Context.FunctionARN()
		msg.AWSRequestID = inv.Context.RequestID()
	} else {
		msg.Type = TypeOther
		msg.Args = payload
	}
	return msg
}

// embed keeps valid JSON payloads as-is and quotes everything else.
func embed(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

// Body returns the JSON encoding of msg.
func (m Message) Body() ([]byte, error) {
	return json.Marshal(m)
}
