package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/safeinit/pkg/invocation"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
)

var fixedNow = time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)

func lambdaInvocation() Invocation {
	return Invocation{
		Payload: []byte(`{"order_id":42}`),
		Context: &invocation.Static{
			Name:     "orders-api",
			Request:  "req-1",
			ARN:      "arn:aws:lambda:eu-west-1:123:function:orders-api",
			Deadline: fixedNow.Add(time.Minute),
		},
		Handler: "orders.handler",
	}
}

func TestNewMessageLambda(t *testing.T) {
	msg := NewMessage(lambdaInvocation(), fixedNow)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeLambda, msg.Type)
	assert.Equal(t, fixedNow.Unix(), msg.Timestamp)
	assert.JSONEq(t, `{"order_id":42}`, string(msg.Event))
	assert.Nil(t, msg.Args)
	assert.Equal(t, "orders-api", msg.LambdaName)
	assert.Equal(t, "req-1", msg.AWSRequestID)
	assert.Equal(t, "orders.handler", msg.Handler)

	body, err := msg.Body()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "lambda", decoded["type"])
	assert.NotContains(t, decoded, "args")
}

func TestNewMessageOther(t *testing.T) {
	msg := NewMessage(Invocation{Payload: []byte("not json")}, fixedNow)

	assert.Equal(t, TypeOther, msg.Type)
	assert.Equal(t, `"not json"`, string(msg.Args))
	assert.Nil(t, msg.Event)

	empty := NewMessage(Invocation{}, fixedNow)
	assert.Equal(t, "null", string(empty.Args))
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		dest string
		want Kind
	}{
		{"https://sqs.eu-west-1.amazonaws.com/123/dlq", KindSQS},
		{"sqs://sqs.eu-west-1.amazonaws.com/123/dlq", KindSQS},
		{"https://queue.amazonaws.com/123/dlq", KindSQS},
		{"s3://bucket/prefix", KindS3},
		{"redis://localhost:6379/0?key=dlq", KindRedis},
		{"postgres://user@localhost/db", KindPostgres},
		{"sqlite:///tmp/dlq.db", KindSQLite},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.dest)
		require.NoError(t, err, tt.dest)
		assert.Equal(t, tt.want, got, tt.dest)
	}

	_, err := ParseKind("https://example.com/hook")
	assert.Error(t, err)
	_, err = ParseKind("ftp://x")
	assert.Error(t, err)
}

type mockSQS struct{ mock.Mock }

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sqs.SendMessageOutput)
	return out, args.Error(1)
}

func TestSQSSink(t *testing.T) {
	client := new(mockSQS)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		var m Message
		return *in.QueueUrl == "https://sqs/dlq" &&
			json.Unmarshal([]byte(*in.MessageBody), &m) == nil &&
			m.Type == TypeLambda
	})).Return(&sqs.SendMessageOutput{}, nil).Once()

	sink := NewSQSSinkWithClient(client, "https://sqs/dlq")
	require.NoError(t, sink.Send(context.Background(), NewMessage(lambdaInvocation(), fixedNow)))
	client.AssertExpectations(t)
}

type fakeS3 struct {
	key  string
	body []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.key = *in.Key
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	client := &fakeS3{}
	sink := NewS3SinkWithClient(client, "bucket", "dead-letters")
	msg := NewMessage(lambdaInvocation(), fixedNow)

	require.NoError(t, sink.Send(context.Background(), msg))
	assert.Equal(t, "dead-letters/2024/05/17/"+msg.ID+".json", client.key)
	assert.Contains(t, string(client.body), `"aws_request_id":"req-1"`)
}

type fakeRedis struct {
	mu     sync.Mutex
	pushed map[string][]interface{}
	err    error
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.pushed == nil {
		f.pushed = map[string][]interface{}{}
	}
	f.pushed[key] = append(f.pushed[key], values...)
	cmd.SetVal(int64(len(f.pushed[key])))
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisSink(t *testing.T) {
	client := &fakeRedis{}
	sink := NewRedisSinkWithClient(client, "dlq")

	require.NoError(t, sink.Send(context.Background(), NewMessage(lambdaInvocation(), fixedNow)))
	require.Len(t, client.pushed["dlq"], 1)

	client.err = errors.New("connection refused")
	assert.Error(t, sink.Send(context.Background(), NewMessage(lambdaInvocation(), fixedNow)))
}

func TestSQLSinkSQLite(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenSQLSink(ctx, "sqlite3", filepath.Join(t.TempDir(), "dlq.db"))
	require.NoError(t, err)
	defer sink.Close()

	first := NewMessage(lambdaInvocation(), fixedNow)
	second := NewMessage(Invocation{Payload: []byte(`[1,2]`), Handler: "jobs.run"}, fixedNow.Add(time.Hour))
	require.NoError(t, sink.Send(ctx, first))
	require.NoError(t, sink.Send(ctx, second))

	records, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, "jobs.run", records[0].Handler)
	assert.Equal(t, "orders-api", records[1].LambdaName)
	assert.JSONEq(t, mustBody(t, first), records[1].Body)
}

func TestSQLBindPostgres(t *testing.T) {
	s := &SQLSink{driver: "postgres"}
	assert.Equal(t, "VALUES ($1, $2)", s.bind("VALUES (?, ?)"))
	s.driver = "sqlite3"
	assert.Equal(t, "VALUES (?, ?)", s.bind("VALUES (?, ?)"))
}

func mustBody(t *testing.T, m Message) string {
	t.Helper()
	b, err := m.Body()
	require.NoError(t, err)
	return string(b)
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingSink) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func TestQueueForward(t *testing.T) {
	sink := &recordingSink{}
	m := metrics.New()
	q := NewQueue("sqs://queue", WithSink(sink), WithHandlerName("orders.handler"),
		WithLogger(logging.Nop()), WithMetrics(m), WithClock(func() time.Time { return fixedNow }))

	require.NoError(t, q.Preload(context.Background()))

	inv := lambdaInvocation()
	inv.Handler = ""
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Forward(ctx, inv)

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "orders.handler", sink.msgs[0].Handler)
	assert.Equal(t, fixedNow.Unix(), sink.msgs[0].Timestamp)
}

func TestQueueForwardSwallowsErrors(t *testing.T) {
	q := NewQueue("sqs://queue", WithSink(&recordingSink{err: errors.New("throttled")}), WithLogger(logging.Nop()))
	assert.NotPanics(t, func() { q.Forward(context.Background(), lambdaInvocation()) })

	broken := NewQueue("bogus://", WithLogger(logging.Nop()))
	assert.Error(t, broken.Preload(context.Background()))
	assert.NotPanics(t, func() { broken.Forward(context.Background(), lambdaInvocation()) })
}

type spyForwarder struct {
	mu    sync.Mutex
	calls []Invocation
}

func (s *spyForwarder) Forward(_ context.Context, inv Invocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, inv)
}

func (s *spyForwarder) Preload(context.Context) error { return nil }

func TestDummyHandler(t *testing.T) {
	initErr := errors.New("import failed")
	fwd := &spyForwarder{}
	d := NewDummyHandler(initErr, fwd, "orders.handler", logging.Nop())

	ctx := invocation.WithContext(context.Background(), invocation.NewStatic("orders-api", "req-9", time.Minute))
	out, err := d.Invoke(ctx, []byte(`{"a":1}`))

	assert.Nil(t, out)
	assert.Same(t, initErr, err)
	require.Len(t, fwd.calls, 1)
	assert.Equal(t, "orders.handler", fwd.calls[0].Handler)
	assert.Equal(t, "req-9", fwd.calls[0].Context.RequestID())
}

func TestDummyHandlerWithoutForwarder(t *testing.T) {
	d := NewDummyHandler(nil, nil, "x", logging.Nop())
	_, err := d.Invoke(context.Background(), nil)
	assert.EqualError(t, err, "dummy handler initialized without an error")
}
