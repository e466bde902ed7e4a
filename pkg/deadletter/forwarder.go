package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/safeinit/pkg/invocation"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
)

// sendTimeout bounds one forwarding attempt. The invocation context may
// already be cancelled when a failed call is forwarded.
const sendTimeout = 10 * time.Second

// Forwarder pushes captured invocations to a dead-letter destination.
// Forward never fails from the caller's point of view; errors are logged.
type Forwarder interface {
	Forward(ctx context.Context, inv Invocation)
	Preload(ctx context.Context) error
}

// Queue is the Forwarder for a single destination. The sink is built on
// first use and reused for the life of the process.
type Queue struct {
	dest    string
	handler string
	logger  *logging.Logger
	metrics *metrics.Metrics
	open    func(ctx context.Context, dest string) (Sink, error)
	now     func() time.Time

	mu   sync.Mutex
	sink Sink
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics enables dead-letter counters.
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// WithSink uses s instead of building one from the destination.
func WithSink(s Sink) QueueOption {
	return func(q *Queue) {
		q.open = func(context.Context, string) (Sink, error) { return s, nil }
	}
}

// WithHandlerName sets the handler name recorded when an Invocation has none.
func WithHandlerName(name string) QueueOption {
	return func(q *Queue) { q.handler = name }
}

// WithClock overrides the message timestamp source.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a forwarder for dest.
func NewQueue(dest string, opts ...QueueOption) *Queue {
	q := &Queue{
		dest: dest,
		open: NewSink,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Destination returns the configured destination.
func (q *Queue) Destination() string { return q.dest }

func (q *Queue) client(ctx context.Context) (Sink, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sink != nil {
		return q.sink, nil
	}
	s, err := q.open(ctx, q.dest)
	if err != nil {
		return nil, err
	}
	q.sink = s
	return s, nil
}

// Preload builds the sink ahead of time so a later Forward is fast.
func (q *Queue) Preload(ctx context.Context) error {
	_, err := q.client(ctx)
	return err
}

// Forward implements Forwarder.
func (q *Queue) Forward(ctx context.Context, inv Invocation) {
	log := logging.OrDefault(q.logger)
	if err := q.forward(ctx, inv); err != nil {
		q.metrics.DeadLetter("failed")
		log.Exception("There was an error pushing the event to the DLQ", err, map[string]interface{}{
			"destination": q.dest,
			"payload":     string(inv.Payload),
		})
		return
	}
	q.metrics.DeadLetter("sent")
}

func (q *Queue) forward(ctx context.Context, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dead-letter forwarding panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	sink, err := q.client(ctx)
	if err != nil {
		return err
	}
	if inv.Handler == "" {
		inv.Handler = q.handler
	}
	return sink.Send(ctx, NewMessage(inv, q.now()))
}

// Close releases the sink if one was built.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sink == nil {
		return nil
	}
	err := q.sink.Close()
	q.sink = nil
	return err
}

// DummyHandler stands in for a handler that failed to initialize. Every
// call forwards its payload and then fails with the original error.
type DummyHandler struct {
	err       error
	forwarder Forwarder
	handler   string
	logger    *logging.Logger
}

// NewDummyHandler creates a DummyHandler. A nil err is replaced by a generic
// initialization error.
func NewDummyHandler(err error, f Forwarder, handlerName string, l *logging.Logger) *DummyHandler {
	if err == nil {
		logging.OrDefault(l).Error("Dummy handler initialized without an error. Will use a custom one instead")
		err = errors.New("dummy handler initialized without an error")
	}
	return &DummyHandler{err: err, forwarder: f, handler: handlerName, logger: l}
}

// Err returns the initialization error returned by every call.
func (d *DummyHandler) Err() error { return d.err }

// Invoke forwards payload and returns the initialization error.
func (d *DummyHandler) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	log := logging.OrDefault(d.logger)
	if d.forwarder == nil {
		log.Error("Dummy handler called without a DLQ configured. This should never happen and is a bug in the safe init code")
		return nil, d.err
	}

	log.Warn("Application failed during the import phase. Using a dummy handler to fetch the event and send to a DLQ. The original exception will be re-raised",
		map[string]interface{}{"payload": string(payload)})

	inv := Invocation{Payload: payload, Handler: d.handler}
	if ic, ok := invocation.FromContext(ctx); ok {
		inv.Context = ic
	}
	d.forwarder.Forward(ctx, inv)
	return nil, d.err
}
