package deadletter

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used by SQSSink.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends each message to an SQS queue.
type SQSSink struct {
	client   SQSAPI
	queueURL string
}

// NewSQSSink creates a sink for queueURL using cfg.
func NewSQSSink(cfg aws.Config, queueURL string) *SQSSink {
	return NewSQSSinkWithClient(sqs.NewFromConfig(cfg), queueURL)
}

// NewSQSSinkWithClient creates a sink around an existing client.
func NewSQSSinkWithClient(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

// Send implements Sink.
func (s *SQSSink) Send(ctx context.Context, msg Message) error {
	body, err := msg.Body()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(msg.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *SQSSink) Close() error { return nil }
