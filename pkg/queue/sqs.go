package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

// sqsMaxBatch is the hard per-call message limit imposed by SQS.
const sqsMaxBatch = 10

// SQSAPI captures the SQS operations the transport uses, so tests can
// substitute a fake client for the real *sqs.Client.
type SQSAPI interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConfig configures the SQS transport.
type SQSConfig struct {
	// WaitTime enables long polling on Receive when positive. SQS caps it
	// at 20 seconds.
	WaitTime time.Duration
}

// SQSTransport implements Transport on Amazon SQS. The logical queue name is
// resolved to a queue URL once and cached; the SQS receipt handle is the
// delivery receipt.
type SQSTransport struct {
	client SQSAPI
	cfg    SQSConfig
	logger zerolog.Logger

	mu   sync.RWMutex
	urls map[string]string
}

// NewSQSTransport wraps an existing SQS client.
func NewSQSTransport(client SQSAPI, cfg SQSConfig, logger zerolog.Logger) (*SQSTransport, error) {
	if client == nil {
		return nil, errors.New("sqs transport requires a client")
	}
	return &SQSTransport{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "SQSTransport").Logger(),
		urls:   make(map[string]string),
	}, nil
}

// NewSQSTransportFromEnv builds the client from the default AWS credential
// chain (environment, shared config, instance role).
func NewSQSTransportFromEnv(ctx context.Context, cfg SQSConfig, logger zerolog.Logger) (*SQSTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws configuration: %w", err)
	}
	return NewSQSTransport(sqs.NewFromConfig(awsCfg), cfg, logger)
}

// EnsureQueue creates the queue, which SQS treats as idempotent for
// unchanged attributes, and caches its URL.
func (t *SQSTransport) EnsureQueue(ctx context.Context, queue string) error {
	out, err := t.client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(queue)})
	if err != nil {
		return fmt.Errorf("failed to create queue %q: %w", queue, err)
	}
	t.mu.Lock()
	t.urls[queue] = aws.ToString(out.QueueUrl)
	t.mu.Unlock()
	return nil
}

// queueURL resolves and caches the URL for a logical queue name.
func (t *SQSTransport) queueURL(ctx context.Context, queue string) (string, error) {
	t.mu.RLock()
	url, ok := t.urls[queue]
	t.mu.RUnlock()
	if ok {
		return url, nil
	}

	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("failed to resolve url for queue %q: %w", queue, err)
	}
	url = aws.ToString(out.QueueUrl)

	t.mu.Lock()
	t.urls[queue] = url
	t.mu.Unlock()
	return url, nil
}

// Receive fetches up to max messages, clamped to the SQS batch limit of 10.
func (t *SQSTransport) Receive(ctx context.Context, queue string, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	url, err := t.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(t.cfg.WaitTime / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from queue %q: %w", queue, err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		var attributes map[string]string
		for name, value := range m.MessageAttributes {
			if value.StringValue == nil {
				continue
			}
			if attributes == nil {
				attributes = make(map[string]string)
			}
			attributes[name] = aws.ToString(value.StringValue)
		}
		messages = append(messages, Message{
			ID:         aws.ToString(m.MessageId),
			Receipt:    aws.ToString(m.ReceiptHandle),
			Body:       []byte(aws.ToString(m.Body)),
			Attributes: attributes,
		})
	}
	return messages, nil
}

// Delete removes a delivery by its receipt handle.
func (t *SQSTransport) Delete(ctx context.Context, queue string, receipt string) error {
	url, err := t.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from queue %q: %w", queue, err)
	}
	return nil
}

// Publish sends a single message to the queue.
func (t *SQSTransport) Publish(ctx context.Context, queue string, payload []byte, attributes map[string]string) error {
	url, err := t.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	var messageAttributes map[string]sqstypes.MessageAttributeValue
	if len(attributes) > 0 {
		messageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(attributes))
		for k, v := range attributes {
			messageAttributes[k] = sqstypes.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(payload)),
		MessageAttributes: messageAttributes,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to queue %q: %w", queue, err)
	}
	return nil
}
