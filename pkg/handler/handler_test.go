package handler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/safeinit/pkg/config"
	"github.com/psantana5/safeinit/pkg/deadletter"
	"github.com/psantana5/safeinit/pkg/environment"
	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/notify"
	"github.com/psantana5/safeinit/pkg/reporting"
)

type recorder struct {
	mu        sync.Mutex
	notes     []notify.Notification
	captures  []reporting.CaptureOptions
	forwarded []deadletter.Invocation
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) Capture(_ error, opts reporting.CaptureOptions) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, opts)
	return false
}

func (r *recorder) Forward(_ context.Context, inv deadletter.Invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, inv)
}

func (r *recorder) Preload(context.Context) error { return nil }

func (r *recorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		out = append(out, n.Title+"|"+n.Context)
	}
	return out
}

type staticResolver struct {
	vars environment.Vars
	err  error
}

func (s staticResolver) Resolve(context.Context, environment.Vars) (environment.Vars, error) {
	return s.vars, s.err
}

func register(t *testing.T, name string, f Factory) {
	t.Helper()
	RegisterFactory(name, f)
	t.Cleanup(func() { unregister(name) })
}

func baseConfig(name string) *config.Config {
	return &config.Config{
		Handler:                     name,
		NoDetectUninitializedSentry: true,
		NoDetectInitIssues:          true,
		Secrets:                     config.Secrets{Suffix: "_SECRET_ARN"},
	}
}

func initOpts(t *testing.T, rec *recorder, extra ...Option) []Option {
	return append([]Option{
		WithLogger(logging.Nop()),
		WithReporter(rec),
		WithNotifier(rec),
		WithMetrics(metrics.New()),
		WithMarkerDir(t.TempDir()),
	}, extra...)
}

func TestInitAppliesScopedEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"SAFEINIT_TEST_GREETING": "hello"}`), 0o600))
	require.NoError(t, os.Unsetenv("SAFEINIT_TEST_GREETING"))
	require.NoError(t, os.Unsetenv("SAFEINIT_TEST_DB"))

	var atBuild string
	register(t, "test.scoped", func(context.Context) (guard.Handler, error) {
		atBuild = os.Getenv("SAFEINIT_TEST_DB")
		return guard.HandlerFunc(func(context.Context, []byte) ([]byte, error) {
			return []byte(os.Getenv("SAFEINIT_TEST_GREETING")), nil
		}), nil
	})

	cfg := baseConfig("test.scoped")
	cfg.ExtraEnvVarsFile = path
	cfg.Secrets.Resolve = true

	rec := &recorder{}
	h, err := Init(context.Background(), cfg, initOpts(t, rec,
		WithSecretResolver(staticResolver{vars: environment.Vars{"SAFEINIT_TEST_DB": environment.Value("pw")}}))...)
	require.NoError(t, err)
	assert.Equal(t, "pw", atBuild)

	out, err := h.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, leaked := os.LookupEnv("SAFEINIT_TEST_GREETING")
	assert.False(t, leaked)
	_, leaked = os.LookupEnv("SAFEINIT_TEST_DB")
	assert.False(t, leaked)
	assert.Empty(t, rec.notes)
}

func TestInitMissingHandler(t *testing.T) {
	rec := &recorder{}
	_, err := Init(context.Background(), baseConfig(""), initOpts(t, rec)...)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerNotSet)
	var cerr *config.Error
	assert.ErrorAs(t, err, &cerr)

	require.Len(t, rec.notes, 1)
	assert.Equal(t, MsgImportFailed, rec.notes[0].Context)
	require.Len(t, rec.captures, 1)
	assert.Nil(t, rec.captures[0].Tags)
}

func TestInitFailureWithDeadLetterReturnsDummyHandler(t *testing.T) {
	rec := &recorder{}
	h, err := Init(context.Background(), baseConfig("test.unregistered"), initOpts(t, rec, WithForwarder(rec))...)
	require.NoError(t, err)

	dummy, ok := h.(*deadletter.DummyHandler)
	require.True(t, ok)

	_, err = dummy.Invoke(context.Background(), []byte(`{"id":1}`))
	var ie *guard.InitError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, ErrUnknownHandler)
	require.Len(t, rec.forwarded, 1)
	assert.Equal(t, "test.unregistered", rec.forwarded[0].Handler)

	require.Len(t, rec.captures, 1)
	assert.Equal(t, map[string]string{"handler": "test.unregistered"}, rec.captures[0].Tags)
	require.Len(t, rec.notes, 1)
	assert.Equal(t, MsgImportFailed, rec.notes[0].Context)
	require.NotNil(t, rec.notes[0].CaptureResult)
	assert.False(t, *rec.notes[0].CaptureResult)
}

func TestInitFactoryFailures(t *testing.T) {
	register(t, "test.fails", func(context.Context) (guard.Handler, error) {
		return nil, errors.New("no database")
	})
	register(t, "test.panics", func(context.Context) (guard.Handler, error) {
		panic("boom")
	})

	rec := &recorder{}
	_, err := Init(context.Background(), baseConfig("test.fails"), initOpts(t, rec)...)
	var ie *guard.InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "handler test.fails initialization failed: no database", err.Error())

	_, err = Init(context.Background(), baseConfig("test.panics"), initOpts(t, rec)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked: boom")

	require.Len(t, rec.notes, 2)
	assert.Equal(t, MsgImportFailed, rec.notes[0].Context)
	assert.Equal(t, MsgInitFailed, rec.notes[1].Context)
}

func TestInitSecretFailure(t *testing.T) {
	register(t, "test.secrets", func(context.Context) (guard.Handler, error) {
		return guard.HandlerFunc(func(context.Context, []byte) ([]byte, error) { return nil, nil }), nil
	})
	cfg := baseConfig("test.secrets")
	cfg.Secrets.Resolve = true

	rec := &recorder{}
	_, err := Init(context.Background(), cfg, initOpts(t, rec,
		WithSecretResolver(staticResolver{err: errors.New("access denied")}))...)
	require.EqualError(t, err, "access denied")
	require.Len(t, rec.notes, 1)
	assert.Equal(t, MsgInitFailed, rec.notes[0].Context)
}

func TestInitPhaseRepeatDetection(t *testing.T) {
	attempts := 0
	register(t, "test.phase", func(context.Context) (guard.Handler, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("init timed out")
		}
		return guard.HandlerFunc(func(context.Context, []byte) ([]byte, error) { return nil, nil }), nil
	})

	cfg := baseConfig("test.phase")
	cfg.NoDetectInitIssues = false
	cfg.NotifySlackOnInitIssues = true
	dir := t.TempDir()

	rec := &recorder{}
	_, err := Init(context.Background(), cfg, initOpts(t, rec, WithMarkerDir(dir))...)
	require.Error(t, err)

	_, err = Init(context.Background(), cfg, initOpts(t, rec, WithMarkerDir(dir))...)
	require.NoError(t, err)

	// A third run after a successful init only logs.
	_, err = Init(context.Background(), cfg, initOpts(t, rec, WithMarkerDir(dir))...)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"|" + MsgImportFailed,
		"Possible Lambda init phase timeout|Import hook for the Lambda function executed more than once",
	}, rec.titles())
}

func TestInitWarnsAboutMissingSentry(t *testing.T) {
	register(t, "test.nosentry", func(context.Context) (guard.Handler, error) {
		return guard.HandlerFunc(func(context.Context, []byte) ([]byte, error) { return nil, nil }), nil
	})
	cfg := baseConfig("test.nosentry")
	cfg.NoDetectUninitializedSentry = false

	rec := &recorder{}
	_, err := Init(context.Background(), cfg, initOpts(t, rec)...)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sentry detector warning|Detected missing Sentry initialization"}, rec.titles())
}

func TestInitWrapsWithGuard(t *testing.T) {
	register(t, "test.guarded", func(context.Context) (guard.Handler, error) {
		return guard.HandlerFunc(func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("runtime failure")
		}), nil
	})
	rec := &recorder{}
	h, err := Init(context.Background(), baseConfig("test.guarded"), initOpts(t, rec, WithForwarder(rec))...)
	require.NoError(t, err)
	_, isGuard := h.(*guard.Guard)
	assert.True(t, isGuard)

	_, err = h.Invoke(context.Background(), []byte("x"))
	assert.EqualError(t, err, "runtime failure")
	require.Len(t, rec.notes, 1)
	assert.Equal(t, guard.MsgRuntimeError, rec.notes[0].Context)
	assert.Len(t, rec.forwarded, 1)
}

func TestResolveAndNames(t *testing.T) {
	RegisterFunc("test.names", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	t.Cleanup(func() { unregister("test.names") })

	assert.Contains(t, Names(), "test.names")
	_, err := Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrHandlerNotSet)
	h, err := Resolve(context.Background(), "test.names")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Panics(t, func() { Register("", nil) })
}

func TestJSONAdapter(t *testing.T) {
	type order struct {
		ID int `json:"id"`
	}
	h := JSON(func(_ context.Context, in order) (map[string]int, error) {
		return map[string]int{"doubled": in.ID * 2}, nil
	})

	out, err := h.Invoke(context.Background(), []byte(`{"id":21}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"doubled":42}`, string(out))

	_, err = h.Invoke(context.Background(), []byte(`{`))
	assert.ErrorContains(t, err, "failed to decode event")

	out, err = h.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"doubled":0}`, string(out))
}
