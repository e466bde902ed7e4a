// Package secrets resolves environment variables that point at AWS Secrets
// Manager secrets into their values.
//
// A variable named NAME<suffix> holding a secret ARN resolves to NAME. An ARN
// of the form arn~key selects one key of a JSON secret.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/psantana5/safeinit/pkg/config"
	"github.com/psantana5/safeinit/pkg/environment"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/retry"
)

// JSONKeySeparator splits a secret ARN from the JSON key to extract.
const JSONKeySeparator = "~"

// batchLimit is the largest SecretIdList BatchGetSecretValue accepts.
const batchLimit = 20

// API is the subset of the Secrets Manager client the resolver uses.
type API interface {
	BatchGetSecretValue(ctx context.Context, in *secretsmanager.BatchGetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.BatchGetSecretValueOutput, error)
}

// ResolutionError lists the secrets that could not be resolved.
type ResolutionError struct {
	Errors []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to retrieve secrets: %s", strings.Join(e.Errors, "; "))
}

// Resolver resolves secret references found in an environment.
type Resolver struct {
	cfg    config.Secrets
	logger *logging.Logger
	retry  retry.Config

	mu     sync.Mutex
	client API
	cache  Cache
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClient sets the Secrets Manager client. Without it the client is built
// from the default AWS configuration on first use.
func WithClient(c API) Option {
	return func(r *Resolver) { r.client = c }
}

// WithCache sets the secret cache. Without it a Redis cache is built when
// cfg enables one.
func WithCache(c Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func WithRetry(c retry.Config) Option {
	return func(r *Resolver) { r.retry = c }
}

// NewResolver creates a resolver.
func NewResolver(cfg config.Secrets, opts ...Option) *Resolver {
	if cfg.Suffix == "" {
		cfg.Suffix = "_SECRET_ARN"
	}
	r := &Resolver{cfg: cfg, retry: retry.DefaultConfig()}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil && cfg.CacheEnabled() {
		r.cache = NewRedisCache(cfg, r.logger)
	}
	return r
}

// References returns the secret ARNs referenced by env keyed by the name of
// the variable they resolve to.
func (r *Resolver) References(env map[string]string) map[string]string {
	refs := map[string]string{}
	for name, arn := range env {
		if !strings.HasSuffix(name, r.cfg.Suffix) || len(name) == len(r.cfg.Suffix) {
			continue
		}
		if r.cfg.ARNPrefix != "" && !strings.HasPrefix(arn, r.cfg.ARNPrefix) {
			arn = r.cfg.ARNPrefix + arn
		}
		refs[strings.TrimSuffix(name, r.cfg.Suffix)] = arn
	}
	return refs
}

// Resolve looks up every secret referenced by the process environment with
// extra applied on top. Values come from the cache when present and from
// Secrets Manager otherwise. Unless FailOnError is set, failures are logged
// and the affected variables are left out of the result.
func (r *Resolver) Resolve(ctx context.Context, extra environment.Vars) (environment.Vars, error) {
	log := logging.OrDefault(r.logger)
	refs := r.References(extra.Environ())
	if len(refs) == 0 {
		return environment.Vars{}, nil
	}

	values := map[string]string{}
	var missing []string
	for _, arn := range uniqueARNs(refs) {
		if v, ok := r.cacheGet(ctx, arn); ok {
			values[arn] = v
		} else {
			missing = append(missing, arn)
		}
	}

	if len(missing) > 0 {
		fetched, err := r.fetch(ctx, missing)
		for arn, v := range fetched {
			values[arn] = v
			r.cacheSet(ctx, arn, v)
		}
		if err != nil {
			if r.cfg.FailOnError {
				return nil, err
			}
			log.Exception("Failed to resolve some secrets", err)
		}
	}

	resolved := environment.Vars{}
	var failures []string
	for _, name := range sortedKeys(refs) {
		ref := refs[name]
		arn, key, isJSON := strings.Cut(ref, JSONKeySeparator)
		raw, ok := values[arn]
		if !ok || raw == "" {
			continue
		}
		if !isJSON {
			resolved[name] = environment.Value(raw)
			continue
		}
		v, err := jsonKey(raw, key)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", ref, err))
			log.Warn("Failed to process secret", map[string]interface{}{"secret_arn": ref, "error": err.Error()})
			continue
		}
		resolved[name] = environment.Value(v)
	}
	if len(failures) > 0 && r.cfg.FailOnError {
		return nil, &ResolutionError{Errors: failures}
	}

	log.Debug("Resolved secrets", map[string]interface{}{"secrets": resolved.Keys()})
	return resolved, nil
}

func (r *Resolver) cacheGet(ctx context.Context, arn string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	return r.cache.Get(ctx, arn)
}

func (r *Resolver) cacheSet(ctx context.Context, arn, value string) {
	if r.cache != nil {
		r.cache.Set(ctx, arn, value)
	}
}

func (r *Resolver) api(ctx context.Context) (API, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	r.client = secretsmanager.NewFromConfig(cfg)
	return r.client, nil
}

// fetch retrieves arns from Secrets Manager. Missing secrets are logged and
// skipped; any other per-secret or transport error ends up in the returned
// ResolutionError alongside whatever was fetched.
func (r *Resolver) fetch(ctx context.Context, arns []string) (map[string]string, error) {
	log := logging.OrDefault(r.logger)
	out := map[string]string{}
	var errs []string

	client, err := r.api(ctx)
	if err != nil {
		return out, &ResolutionError{Errors: append([]string{err.Error()}, arns...)}
	}

	for start := 0; start < len(arns); start += batchLimit {
		batch := arns[start:min(start+batchLimit, len(arns))]

		var resp *secretsmanager.BatchGetSecretValueOutput
		err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
			var callErr error
			resp, callErr = client.BatchGetSecretValue(ctx, &secretsmanager.BatchGetSecretValueInput{
				SecretIdList: batch,
			})
			return callErr
		})
		if err != nil {
			log.Exception("Failed to retrieve secrets from Secrets Manager", err)
			errs = append(errs, batch...)
			continue
		}

		for _, sv := range resp.SecretValues {
			if sv.SecretString == nil {
				continue
			}
			for _, arn := range batch {
				if arn == aws.ToString(sv.ARN) || arn == aws.ToString(sv.Name) {
					out[arn] = aws.ToString(sv.SecretString)
				}
			}
		}
		for _, e := range resp.Errors {
			if aws.ToString(e.ErrorCode) == "ResourceNotFoundException" {
				log.Warn("Secret not found in Secrets Manager", map[string]interface{}{"secret_arn": aws.ToString(e.SecretId)})
				continue
			}
			errs = append(errs, fmt.Sprintf("%s: %s", aws.ToString(e.SecretId), aws.ToString(e.Message)))
		}
	}

	if len(errs) > 0 {
		return out, &ResolutionError{Errors: errs}
	}
	return out, nil
}

func jsonKey(raw, key string) (string, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("secret is not a JSON object: %w", err)
	}
	v, ok := obj[key]
	if !ok {
		return "", fmt.Errorf("key %q not found", key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// uniqueARNs strips JSON key selectors and returns the distinct ARNs.
func uniqueARNs(refs map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range refs {
		arn, _, _ := strings.Cut(ref, JSONKeySeparator)
		if !seen[arn] {
			seen[arn] = true
			out = append(out, arn)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
