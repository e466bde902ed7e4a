package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Prefix is prepended to every message so wrapper output is easy to tell
// apart from handler output in a shared log stream.
const Prefix = "Safe Init: "

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config describes where and how a Logger writes.
type Config struct {
	Level      Level
	JSONFormat bool
	// Output defaults to os.Stdout, which is what the Lambda runtime ships to CloudWatch.
	Output io.Writer
	// FilePath enables an additional size-rotated log file.
	FilePath string
	Rotation RotationConfig
	// NoPrefix disables the "Safe Init: " message prefix.
	NoPrefix bool
}

// Logger provides structured logging backed by zap
type Logger struct {
	z      *zap.Logger
	level  Level
	prefix string
	fields map[string]interface{}
	closer io.Closer
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	l, _ := New(Config{Level: level, JSONFormat: jsonFormat})
	return l
}

// NewWriterLogger creates a logger that writes to w only.
func NewWriterLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	l, _ := New(Config{Level: level, JSONFormat: jsonFormat, Output: w})
	return l
}

// New builds a logger from cfg. The error is only non-nil when the log file
// cannot be prepared; the returned logger is usable either way.
func New(cfg Config) (*Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	lvl := zap.NewAtomicLevelAt(cfg.Level.zapLevel())
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(out), lvl)}

	var closer io.Closer
	var fileErr error
	if cfg.FilePath != "" {
		rw, err := newRotatingWriter(cfg.FilePath, cfg.Rotation)
		if err != nil {
			fileErr = fmt.Errorf("failed to prepare log file %s: %w", cfg.FilePath, err)
		} else {
			closer = rw
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rw), lvl))
		}
	}

	prefix := Prefix
	if cfg.NoPrefix {
		prefix = ""
	}

	return &Logger{
		z:      zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(2)),
		level:  cfg.Level,
		prefix: prefix,
		fields: make(map[string]interface{}),
		closer: closer,
	}, fileErr
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop(), level: FATAL, fields: map[string]interface{}{}}
}

// FromEnv builds the process default logger the same way the runtime
// configuration would: SAFE_INIT_DEBUG switches to debug level and
// SAFE_INIT_LOGGING_USE_CONSOLE_RENDERER (or a terminal on stderr) selects
// the console encoder.
func FromEnv() *Logger {
	level := INFO
	if os.Getenv("SAFE_INIT_DEBUG") != "" {
		level = DEBUG
	}
	console := term.IsTerminal(int(os.Stderr.Fd())) ||
		strings.EqualFold(os.Getenv("SAFE_INIT_LOGGING_USE_CONSOLE_RENDERER"), "true")
	return NewLogger(level, !console)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the process-wide logger used when no explicit logger is
// injected into a component.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = FromEnv()
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger. Passing nil resets it so the
// next Default call rebuilds it from the environment.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// OrDefault returns l, or the process default when l is nil.
func OrDefault(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return Default()
}

// Level returns the minimum level this logger emits.
func (l *Logger) Level() Level {
	return l.level
}

// log writes a log entry
func (l *Logger) log(level Level, message string, err error, fields map[string]interface{}) {
	if ce := l.z.Check(level.zapLevel(), l.prefix+message); ce != nil {
		ce.Write(l.zapFields(err, fields)...)
	}
}

func (l *Logger) zapFields(err error, fields map[string]interface{}) []zap.Field {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys)+2)
	for _, k := range keys {
		if e, ok := merged[k].(error); ok {
			out = append(out, zap.NamedError(k, e))
			continue
		}
		out = append(out, zap.Any(k, merged[k]))
	}
	if err != nil {
		out = append(out, zap.Error(err), zap.StackSkip("stacktrace", 3))
	}
	return out
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, nil, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, nil, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, nil, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, nil, first(fields))
}

// Exception logs an error message together with err and the current stack.
func (l *Logger) Exception(message string, err error, fields ...map[string]interface{}) {
	if err == nil {
		err = errors.New("no error value supplied")
	}
	l.log(ERROR, message, err, first(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, nil, first(fields))
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	// Copy fields to avoid mutation
	newFields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Logger{
		z:      l.z,
		level:  l.level,
		prefix: l.prefix,
		fields: newFields,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	case "FATAL", "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Close flushes and closes the log file if opened
func (l *Logger) Close() error {
	_ = l.z.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
