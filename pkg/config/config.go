// Package config loads the runtime configuration from SAFE_INIT_* environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every variable owned by this module.
const EnvPrefix = "SAFE_INIT"

// Config is the effective runtime configuration.
type Config struct {
	Handler     string `yaml:"handler"`
	Environment string `yaml:"env"`
	DeadLetter  string `yaml:"dlq,omitempty"`

	SentryDSN          string `yaml:"sentry_dsn,omitempty"`
	SlackWebhookURL    string `yaml:"slack_webhook_url,omitempty"`
	SlackRatePerMinute int    `yaml:"slack_rate_per_minute"`

	NotifyBeforeTimeout         time.Duration `yaml:"notify_before_timeout"`
	IgnoreTimeouts              bool          `yaml:"ignore_timeouts"`
	AutoTrace                   bool          `yaml:"auto_trace_lambdas"`
	NoSlackTimeoutNotifications bool          `yaml:"no_slack_timeout_notifications"`
	TracerHomePaths             []string      `yaml:"tracer_home_paths,omitempty"`

	ExtraEnvVarsFile string  `yaml:"extra_env_vars_file"`
	Secrets          Secrets `yaml:"secrets"`

	NoDetectInitIssues          bool `yaml:"no_detect_init_issues"`
	NotifySlackOnInitIssues     bool `yaml:"notify_slack_on_init_issues"`
	NoDetectUninitializedSentry bool `yaml:"no_detect_uninitialized_sentry"`

	Debug           bool   `yaml:"debug"`
	ConsoleRenderer bool   `yaml:"logging_use_console_renderer"`
	LogFile         string `yaml:"log_file,omitempty"`
	OTLPEndpoint    string `yaml:"otlp_endpoint,omitempty"`

	FunctionName string `yaml:"function_name,omitempty"`
	DDHandler    string `yaml:"dd_lambda_handler,omitempty"`
}

// Secrets configures secret resolution.
type Secrets struct {
	Resolve       bool          `yaml:"resolve"`
	Suffix        string        `yaml:"suffix"`
	ARNPrefix     string        `yaml:"arn_prefix,omitempty"`
	FailOnError   bool          `yaml:"fail_on_error"`
	Cache         bool          `yaml:"cache"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CachePrefix   string        `yaml:"cache_prefix"`
	RedisHost     string        `yaml:"redis_host,omitempty"`
	RedisPort     string        `yaml:"redis_port,omitempty"`
	RedisDB       int           `yaml:"redis_db"`
	RedisUsername string        `yaml:"redis_username,omitempty"`
	RedisPassword string        `yaml:"-"`
}

// CacheEnabled reports whether a usable Redis secret cache is configured.
func (s Secrets) CacheEnabled() bool {
	return s.Cache && s.RedisHost != "" && s.RedisPort != ""
}

// Error reports an invalid configuration value.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Msg)
}

// keys maps viper keys to the environment variables they are read from. An
// empty value means EnvPrefix + "_" + upper(key).
var keys = map[string]string{
	"handler":                         "",
	"env":                             "",
	"dlq":                             "",
	"sentry_dsn":                      "SENTRY_DSN",
	"slack_webhook_url":               "",
	"slack_rate_per_minute":           "",
	"notify_sec_before_timeout":       "",
	"ignore_timeouts":                 "",
	"auto_trace_lambdas":              "",
	"no_slack_timeout_notifications":  "",
	"tracer_home_paths":               "",
	"extra_env_vars_file":             "",
	"resolve_secrets":                 "",
	"secret_suffix":                   "",
	"secret_arn_suffix":               "",
	"secret_arn_prefix":               "",
	"fail_on_secret_resolution_error": "",
	"cache_secrets":                   "",
	"secret_cache_ttl":                "",
	"secret_cache_prefix":             "",
	"secret_cache_redis_host":         "",
	"secret_cache_redis_port":         "",
	"secret_cache_redis_db":           "",
	"secret_cache_redis_username":     "",
	"secret_cache_redis_password":     "",
	"no_detect_init_issues":           "",
	"notify_slack_on_init_issues":     "",
	"no_detect_uninitialized_sentry":  "",
	"debug":                           "",
	"logging_use_console_renderer":    "",
	"log_file":                        "",
	"otlp_endpoint":                   "",
	"function_name":                   "AWS_LAMBDA_FUNCTION_NAME",
	"dd_lambda_handler":               "DD_LAMBDA_HANDLER",
}

// NewViper returns a viper instance with every key bound to its environment
// variable and the defaults applied. Callers may bind flags on it before
// passing it to FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range keys {
		if env == "" {
			_ = v.BindEnv(key)
		} else {
			_ = v.BindEnv(key, env)
		}
	}

	v.SetDefault("extra_env_vars_file", ".env.json")
	v.SetDefault("secret_cache_ttl", 1800)
	v.SetDefault("secret_cache_prefix", "safe-init-secret::")
	v.SetDefault("secret_cache_redis_db", 0)
	v.SetDefault("slack_rate_per_minute", 0)
	return v
}

// Load reads the configuration from the environment and, when
// SAFE_INIT_CONFIG_FILE is set, from that YAML file. Environment variables
// take precedence over the file.
func Load() (*Config, error) {
	v := NewViper()
	_ = v.BindEnv("config_file")
	if path := v.GetString("config_file"); path != "" {
		if err := ReadFile(v, path); err != nil {
			return nil, err
		}
	}
	return FromViper(v)
}

// ReadFile merges a YAML config file into v.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return &Error{Key: "config_file", Msg: err.Error()}
	}
	return nil
}

// FromViper builds a Config from an already prepared viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		Handler:         strings.TrimSpace(v.GetString("handler")),
		Environment:     v.GetString("env"),
		DeadLetter:      strings.TrimSpace(v.GetString("dlq")),
		SentryDSN:       v.GetString("sentry_dsn"),
		SlackWebhookURL: v.GetString("slack_webhook_url"),

		IgnoreTimeouts:              Bool(v.GetString("ignore_timeouts")),
		AutoTrace:                   Bool(v.GetString("auto_trace_lambdas")),
		NoSlackTimeoutNotifications: Bool(v.GetString("no_slack_timeout_notifications")),
		TracerHomePaths:             listValue(v, "tracer_home_paths"),

		ExtraEnvVarsFile: strings.TrimSpace(v.GetString("extra_env_vars_file")),

		NoDetectInitIssues:          Bool(v.GetString("no_detect_init_issues")),
		NotifySlackOnInitIssues:     Bool(v.GetString("notify_slack_on_init_issues")),
		NoDetectUninitializedSentry: Bool(v.GetString("no_detect_uninitialized_sentry")),

		Debug:           debugValue(v.Get("debug")),
		ConsoleRenderer: Bool(v.GetString("logging_use_console_renderer")),
		LogFile:         v.GetString("log_file"),
		OTLPEndpoint:    v.GetString("otlp_endpoint"),

		FunctionName: v.GetString("function_name"),
		DDHandler:    v.GetString("dd_lambda_handler"),
	}

	var err error
	if c.SlackRatePerMinute, err = intValue(v, "slack_rate_per_minute"); err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(v.GetString("notify_sec_before_timeout")); raw != "" {
		secs, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || secs < 0 {
			return nil, &Error{Key: "notify_sec_before_timeout", Msg: fmt.Sprintf("%q is not a non-negative number of seconds", raw)}
		}
		c.NotifyBeforeTimeout = time.Duration(secs * float64(time.Second))
	}

	suffix := v.GetString("secret_suffix")
	if suffix == "" {
		suffix = v.GetString("secret_arn_suffix")
	}
	if suffix == "" {
		suffix = "_SECRET_ARN"
	}
	c.Secrets = Secrets{
		Resolve:       Bool(v.GetString("resolve_secrets")),
		Suffix:        suffix,
		ARNPrefix:     v.GetString("secret_arn_prefix"),
		FailOnError:   Bool(v.GetString("fail_on_secret_resolution_error")),
		Cache:         Bool(v.GetString("cache_secrets")),
		CachePrefix:   v.GetString("secret_cache_prefix"),
		RedisHost:     v.GetString("secret_cache_redis_host"),
		RedisPort:     v.GetString("secret_cache_redis_port"),
		RedisUsername: v.GetString("secret_cache_redis_username"),
		RedisPassword: v.GetString("secret_cache_redis_password"),
	}
	ttl, err := intValue(v, "secret_cache_ttl")
	if err != nil {
		return nil, err
	}
	c.Secrets.CacheTTL = time.Duration(ttl) * time.Second
	if c.Secrets.RedisDB, err = intValue(v, "secret_cache_redis_db"); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the settings required to initialize a handler.
func (c *Config) Validate() error {
	if c.Handler == "" {
		return &Error{Key: "handler", Msg: "SAFE_INIT_HANDLER environment variable is not set"}
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	redacted := *c
	if redacted.SentryDSN != "" {
		redacted.SentryDSN = "<redacted>"
	}
	if redacted.SlackWebhookURL != "" {
		redacted.SlackWebhookURL = "<redacted>"
	}
	redacted.Secrets.RedisPassword = ""
	redacted.TracerHomePaths = append([]string(nil), c.TracerHomePaths...)
	return redacted
}

// YAML renders the effective configuration. Secrets are never included.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// Bool parses a flag using the accepted truthy spellings: 1, true, yes, on
// and y, case-insensitively. Anything else is false.
func Bool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on", "y":
		return true
	}
	return false
}

func intValue(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &Error{Key: key, Msg: fmt.Sprintf("%q is not an integer", raw)}
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func listValue(v *viper.Viper, key string) []string {
	if _, ok := v.Get(key).([]interface{}); ok {
		return v.GetStringSlice(key)
	}
	return splitList(v.GetString(key))
}

// debugValue treats any non-empty variable as enabled, matching the logger.
// Booleans from the config file are taken as is.
func debugValue(raw interface{}) bool {
	switch t := raw.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		return true
	}
}
