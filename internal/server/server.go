// Package server exposes registered handlers over HTTP for local testing.
// Every request is run through the same guard, watchdog and dead-letter
// pipeline as a real Lambda invocation.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/safeinit/internal/report"
	"github.com/psantana5/safeinit/internal/wrapper"
	"github.com/psantana5/safeinit/pkg/auth"
	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/handler"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/tracing"
)

// Request headers understood by /invoke.
const (
	HeaderTimeout   = "X-Safe-Init-Timeout"
	HeaderRequestID = "X-Safe-Init-Request-Id"
	HeaderOutcome   = "X-Safe-Init-Outcome"
)

const maxPayloadBytes = 6 << 20

// Builder returns the guarded handler for name. The server calls it once per
// name and keeps the result.
type Builder func(ctx context.Context, name string) (guard.Handler, error)

// Server serves local invocations.
type Server struct {
	build        Builder
	recorder     *report.Recorder
	metrics      *metrics.Metrics
	provider     *tracing.Provider
	logger       *logging.Logger
	functionName string
	timeout      time.Duration
	keys         *auth.APIKeys
	tlsConfig    *tls.Config

	// invocations are serialized, like a single Lambda execution environment
	invokeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]guard.Handler
}

// Option configures a Server.
type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithTracing(p *tracing.Provider) Option {
	return func(s *Server) { s.provider = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithFunctionName sets the function name reported in synthetic contexts.
func WithFunctionName(name string) Option {
	return func(s *Server) { s.functionName = name }
}

// WithDefaultTimeout sets the synthetic timeout used when a request carries
// no timeout header. Zero disables the watchdog for such requests.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithAPIKeys requires one of keys on every route except /health.
func WithAPIKeys(keys *auth.APIKeys) Option {
	return func(s *Server) { s.keys = keys }
}

// WithTLS serves HTTPS with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// New creates a server. Invocation outcomes are collected by recorder.
func New(build Builder, recorder *report.Recorder, opts ...Option) *Server {
	s := &Server{
		build:    build,
		recorder: recorder,
		handlers: make(map[string]guard.Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recorder == nil {
		s.recorder = report.NewRecorder(100, s.logger)
	}
	return s
}

// Recorder returns the recorder collecting invocation outcomes.
func (s *Server) Recorder() *report.Recorder {
	return s.recorder
}

// RegisterRoutes registers the server routes on r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/invoke/{handler}", s.Invoke).Methods("POST")
	r.HandleFunc("/handlers", s.ListHandlers).Methods("GET")
	r.HandleFunc("/incidents", s.Incidents).Methods("GET")
	r.HandleFunc("/stats", s.Stats).Methods("GET")
	r.HandleFunc("/health", s.Health).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Router returns a router with every route and middleware installed.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	r.Use(s.metrics.Middleware(routeTemplate))
	if s.provider != nil {
		r.Use(tracing.HTTPMiddleware(s.provider))
	}
	r.Use(auth.Middleware(s.keys, "/health"))
	return r
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unknown"
}

func (s *Server) handler(ctx context.Context, name string) (guard.Handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[name]; ok {
		return h, nil
	}
	h, err := s.build(ctx, name)
	if err != nil {
		return nil, err
	}
	s.handlers[name] = h
	return h, nil
}

type errorResponse struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
	RequestID    string `json:"requestId,omitempty"`
	StackTrace   string `json:"stackTrace,omitempty"`
}

// Invoke runs the named handler with the request body as payload.
func (s *Server) Invoke(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["handler"]

	timeout := s.timeout
	if v := r.Header.Get(HeaderTimeout); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			http.Error(w, fmt.Sprintf("invalid %s header: %q", HeaderTimeout, v), http.StatusBadRequest)
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	h, err := s.handler(r.Context(), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, handler.ErrUnknownHandler) || errors.Is(err, handler.ErrHandlerNotSet) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{ErrorMessage: err.Error(), ErrorType: "InitError"})
		return
	}

	s.invokeMu.Lock()
	resp := wrapper.Run(r.Context(), h, wrapper.Request{
		FunctionName: s.functionName,
		RequestID:    r.Header.Get(HeaderRequestID),
		Payload:      payload,
		Timeout:      timeout,
	})
	s.invokeMu.Unlock()

	w.Header().Set(HeaderRequestID, resp.RequestID)
	switch {
	case resp.Panic != nil:
		w.Header().Set(HeaderOutcome, metrics.OutcomePanic)
		writeJSON(w, http.StatusBadGateway, errorResponse{
			ErrorMessage: fmt.Sprint(resp.Panic),
			ErrorType:    "Panic",
			RequestID:    resp.RequestID,
			StackTrace:   string(resp.Stack),
		})
	case resp.Err != nil:
		w.Header().Set(HeaderOutcome, metrics.OutcomeError)
		tracing.SetError(r.Context(), resp.Err)
		writeJSON(w, http.StatusBadGateway, errorResponse{
			ErrorMessage: resp.Err.Error(),
			ErrorType:    fmt.Sprintf("%T", resp.Err),
			RequestID:    resp.RequestID,
		})
	default:
		w.Header().Set(HeaderOutcome, metrics.OutcomeSuccess)
		if json.Valid(resp.Output) {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Output)
	}
}

// ListHandlers returns the registered handler names.
func (s *Server) ListHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"handlers": handler.Names()})
}

// Incidents returns the most recent failed or timed-out invocations.
// The limit query parameter bounds the result, newest first.
func (s *Server) Incidents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	data, err := s.recorder.Incidents().JSON(limit)
	if err != nil {
		http.Error(w, "Failed to encode incidents", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// Stats returns invocation counters and the latest result.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counters": s.recorder.Snapshot(),
		"last":     s.recorder.Last(),
	})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves s on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.OrDefault(s.logger).Info("Local invoke server listening", map[string]interface{}{
			"addr": addr,
			"tls":  s.tlsConfig != nil,
			"auth": s.keys.Len() > 0,
		})
		if s.tlsConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
