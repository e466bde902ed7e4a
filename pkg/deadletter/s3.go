package deadletter

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Sink.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each message as one JSON object under
// <prefix>/<yyyy>/<mm>/<dd>/<id>.json.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Sink creates a sink for bucket using cfg.
func NewS3Sink(cfg aws.Config, bucket, prefix string) *S3Sink {
	return NewS3SinkWithClient(s3.NewFromConfig(cfg), bucket, prefix)
}

// NewS3SinkWithClient creates a sink around an existing client.
func NewS3SinkWithClient(client S3API, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key used for msg.
func (s *S3Sink) Key(msg Message) string {
	day := time.Unix(msg.Timestamp, 0).UTC().Format("2006/01/02")
	return path.Join(s.prefix, day, msg.ID+".json")
}

// Send implements Sink.
func (s *S3Sink) Send(ctx context.Context, msg Message) error {
	body, err := msg.Body()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(msg)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *S3Sink) Close() error { return nil }
