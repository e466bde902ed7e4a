package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/safeinit/pkg/config"
	"github.com/psantana5/safeinit/pkg/environment"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/retry"
)

const (
	dbARN  = "arn:aws:secretsmanager:eu-west-1:123:secret:db"
	apiARN = "arn:aws:secretsmanager:eu-west-1:123:secret:api"
)

type mockAPI struct{ mock.Mock }

func (m *mockAPI) BatchGetSecretValue(ctx context.Context, in *secretsmanager.BatchGetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.BatchGetSecretValueOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*secretsmanager.BatchGetSecretValueOutput)
	return out, args.Error(1)
}

type memCache struct {
	values map[string]string
	sets   []string
}

func (c *memCache) Get(_ context.Context, arn string) (string, bool) {
	v, ok := c.values[arn]
	return v, ok
}

func (c *memCache) Set(_ context.Context, arn, value string) {
	c.values[arn] = value
	c.sets = append(c.sets, arn)
}

func noRetry() retry.Config {
	return retry.Config{MaxRetries: 0, InitialBackoff: time.Millisecond, Multiplier: 1}
}

func vars(kv ...string) environment.Vars {
	v := environment.Vars{}
	for i := 0; i < len(kv); i += 2 {
		v[kv[i]] = environment.Value(kv[i+1])
	}
	return v
}

func TestReferences(t *testing.T) {
	r := NewResolver(config.Secrets{ARNPrefix: "arn:aws:secretsmanager:eu-west-1:123:secret:"})
	refs := r.References(map[string]string{
		"DB_SECRET_ARN":  "db",
		"API_SECRET_ARN": apiARN + "~token",
		"_SECRET_ARN":    "ignored",
		"PLAIN":          "value",
	})
	assert.Equal(t, map[string]string{
		"DB":  dbARN,
		"API": apiARN + "~token",
	}, refs)
}

func TestResolveFetchesAndCaches(t *testing.T) {
	api := &mockAPI{}
	api.On("BatchGetSecretValue", mock.Anything, mock.MatchedBy(func(in *secretsmanager.BatchGetSecretValueInput) bool {
		return assert.ObjectsAreEqual([]string{apiARN}, in.SecretIdList)
	})).Return(&secretsmanager.BatchGetSecretValueOutput{
		SecretValues: []types.SecretValueEntry{
			{ARN: aws.String(apiARN), SecretString: aws.String(`{"token":"t0k","port":5432}`)},
		},
	}, nil).Once()

	cache := &memCache{values: map[string]string{dbARN: "cached-password"}}
	r := NewResolver(config.Secrets{}, WithClient(api), WithCache(cache), WithLogger(logging.Nop()), WithRetry(noRetry()))

	got, err := r.Resolve(context.Background(), vars(
		"DB_SECRET_ARN", dbARN,
		"API_SECRET_ARN", apiARN+"~token",
		"API_PORT_SECRET_ARN", apiARN+"~port",
	))
	require.NoError(t, err)
	assert.Equal(t, "cached-password", *got["DB"])
	assert.Equal(t, "t0k", *got["API"])
	assert.Equal(t, "5432", *got["API_PORT"])
	assert.Equal(t, []string{apiARN}, cache.sets)
	api.AssertExpectations(t)
}

func TestResolveNothingToDo(t *testing.T) {
	api := &mockAPI{}
	r := NewResolver(config.Secrets{Suffix: "_SAFEINIT_TEST_NO_MATCH"}, WithClient(api))
	got, err := r.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	api.AssertNotCalled(t, "BatchGetSecretValue", mock.Anything, mock.Anything)
}

func TestResolveErrors(t *testing.T) {
	resp := &secretsmanager.BatchGetSecretValueOutput{
		Errors: []types.APIErrorType{
			{SecretId: aws.String(dbARN), ErrorCode: aws.String("ResourceNotFoundException"), Message: aws.String("gone")},
			{SecretId: aws.String(apiARN), ErrorCode: aws.String("AccessDeniedException"), Message: aws.String("denied")},
		},
	}

	t.Run("tolerated", func(t *testing.T) {
		api := &mockAPI{}
		api.On("BatchGetSecretValue", mock.Anything, mock.Anything).Return(resp, nil)
		r := NewResolver(config.Secrets{}, WithClient(api), WithLogger(logging.Nop()), WithRetry(noRetry()))

		got, err := r.Resolve(context.Background(), vars("DB_SECRET_ARN", dbARN, "API_SECRET_ARN", apiARN))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("fatal", func(t *testing.T) {
		api := &mockAPI{}
		api.On("BatchGetSecretValue", mock.Anything, mock.Anything).Return(resp, nil)
		r := NewResolver(config.Secrets{FailOnError: true}, WithClient(api), WithLogger(logging.Nop()), WithRetry(noRetry()))

		_, err := r.Resolve(context.Background(), vars("DB_SECRET_ARN", dbARN, "API_SECRET_ARN", apiARN))
		var rerr *ResolutionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, []string{apiARN + ": denied"}, rerr.Errors)
	})

	t.Run("transport", func(t *testing.T) {
		api := &mockAPI{}
		api.On("BatchGetSecretValue", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
		cfg := retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, Multiplier: 1, Retryable: retry.IsRetryable}
		r := NewResolver(config.Secrets{FailOnError: true}, WithClient(api), WithLogger(logging.Nop()), WithRetry(cfg))

		_, err := r.Resolve(context.Background(), vars("DB_SECRET_ARN", dbARN))
		var rerr *ResolutionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, []string{dbARN}, rerr.Errors)
		api.AssertNumberOfCalls(t, "BatchGetSecretValue", 3)
	})

	t.Run("bad json key", func(t *testing.T) {
		api := &mockAPI{}
		api.On("BatchGetSecretValue", mock.Anything, mock.Anything).Return(&secretsmanager.BatchGetSecretValueOutput{
			SecretValues: []types.SecretValueEntry{{ARN: aws.String(apiARN), SecretString: aws.String(`{"a":"b"}`)}},
		}, nil)
		r := NewResolver(config.Secrets{FailOnError: true}, WithClient(api), WithLogger(logging.Nop()), WithRetry(noRetry()))

		_, err := r.Resolve(context.Background(), vars("API_SECRET_ARN", apiARN+"~missing"))
		var rerr *ResolutionError
		require.ErrorAs(t, err, &rerr)
		assert.Contains(t, rerr.Errors[0], `key "missing" not found`)
	})
}

type fakeRedis struct {
	data map[string]string
	ttl  time.Duration
	fail error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	switch v, ok := f.data[key]; {
	case f.fail != nil:
		cmd.SetErr(f.fail)
	case !ok:
		cmd.SetErr(redis.Nil)
	default:
		cmd.SetVal(v)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key, value)
	if f.fail != nil {
		cmd.SetErr(f.fail)
		return cmd
	}
	f.data[key] = value.(string)
	f.ttl = expiration
	cmd.SetVal("OK")
	return cmd
}

func TestRedisCache(t *testing.T) {
	fr := &fakeRedis{data: map[string]string{}}
	c := NewRedisCacheWithClient(fr, "safe-init-secret::", 30*time.Minute, logging.Nop())

	_, ok := c.Get(context.Background(), dbARN)
	assert.False(t, ok)

	c.Set(context.Background(), dbARN, "pw")
	assert.Equal(t, "pw", fr.data["safe-init-secret::"+dbARN])
	assert.Equal(t, 30*time.Minute, fr.ttl)

	v, ok := c.Get(context.Background(), dbARN)
	assert.True(t, ok)
	assert.Equal(t, "pw", v)

	fr.fail = errors.New("i/o timeout")
	_, ok = c.Get(context.Background(), dbARN)
	assert.False(t, ok)
	c.Set(context.Background(), apiARN, "x")
}
