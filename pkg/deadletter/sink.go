package deadletter

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// Sink stores dead-letter messages in one backend.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Kind names a backend family, derived from a destination string.
type Kind string

const (
	KindSQS      Kind = "sqs"
	KindS3       Kind = "s3"
	KindRedis    Kind = "redis"
	KindPostgres Kind = "postgres"
	KindSQLite   Kind = "sqlite"
)

// ParseKind tells which sink NewSink would build for dest.
func ParseKind(dest string) (Kind, error) {
	u, err := url.Parse(strings.TrimSpace(dest))
	if err != nil {
		return "", fmt.Errorf("invalid dead-letter destination: %w", err)
	}
	switch u.Scheme {
	case "sqs":
		return KindSQS, nil
	case "https", "http":
		if strings.HasPrefix(u.Host, "sqs.") || strings.Contains(u.Host, ".sqs.") ||
			strings.HasSuffix(u.Host, "queue.amazonaws.com") || strings.HasPrefix(u.Host, "localhost") {
			return KindSQS, nil
		}
	case "s3":
		return KindS3, nil
	case "redis", "rediss":
		return KindRedis, nil
	case "postgres", "postgresql":
		return KindPostgres, nil
	case "sqlite", "sqlite3":
		return KindSQLite, nil
	}
	return "", fmt.Errorf("unsupported dead-letter destination %q", dest)
}

// NewSink builds the sink for dest. AWS-backed sinks load the default
// credential chain.
func NewSink(ctx context.Context, dest string) (Sink, error) {
	kind, err := ParseKind(dest)
	if err != nil {
		return nil, err
	}
	dest = strings.TrimSpace(dest)

	switch kind {
	case KindSQS:
		cfg, err := loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		return NewSQSSink(cfg, sqsQueueURL(dest)), nil
	case KindS3:
		cfg, err := loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		u, _ := url.Parse(dest)
		return NewS3Sink(cfg, u.Host, strings.TrimPrefix(u.Path, "/")), nil
	case KindRedis:
		return NewRedisSink(dest)
	case KindPostgres:
		return OpenSQLSink(ctx, "postgres", dest)
	case KindSQLite:
		path := strings.TrimPrefix(strings.TrimPrefix(dest, "sqlite3://"), "sqlite://")
		return OpenSQLSink(ctx, "sqlite3", path)
	}
	return nil, fmt.Errorf("unsupported dead-letter destination %q", dest)
}

func loadAWS(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// sqsQueueURL turns sqs://host/path into the https queue URL.
func sqsQueueURL(dest string) string {
	if strings.HasPrefix(dest, "sqs://") {
		return "https://" + strings.TrimPrefix(dest, "sqs://")
	}
	return dest
}
