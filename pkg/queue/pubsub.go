package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// GooglePubsubConfig configures the Pub/Sub transport.
type GooglePubsubConfig struct {
	ProjectID       string
	CredentialsFile string // Optional
	// ReceiveTimeout bounds a single Pull call. An idle subscription returns
	// an empty batch when the timeout lapses. Defaults to 5s.
	ReceiveTimeout time.Duration
	// AckDeadline is the visibility window applied when the transport
	// creates a subscription. Defaults to 30s.
	AckDeadline time.Duration
}

// GooglePubsubTransport implements Transport on Google Cloud Pub/Sub. A
// logical queue maps to a topic and a same-named pull subscription; the
// subscription's ack ID is the delivery receipt.
type GooglePubsubTransport struct {
	cfg        GooglePubsubConfig
	publisher  *pubsubapi.PublisherClient
	subscriber *pubsubapi.SubscriberClient
	logger     zerolog.Logger
}

// NewGooglePubsubTransport creates the underlying Pub/Sub clients. Callers
// own the transport's lifecycle and should Close it when done.
func NewGooglePubsubTransport(ctx context.Context, cfg GooglePubsubConfig, logger zerolog.Logger) (*GooglePubsubTransport, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub transport requires a project ID")
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 5 * time.Second
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = defaultVisibility
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	// The generated clients do not honor PUBSUB_EMULATOR_HOST themselves.
	if host := os.Getenv("PUBSUB_EMULATOR_HOST"); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	publisher, err := pubsubapi.NewPublisherClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub publisher client: %w", err)
	}
	subscriber, err := pubsubapi.NewSubscriberClient(ctx, opts...)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("failed to create pubsub subscriber client: %w", err)
	}

	return &GooglePubsubTransport{
		cfg:        cfg,
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "GooglePubsubTransport").Str("project_id", cfg.ProjectID).Logger(),
	}, nil
}

func (t *GooglePubsubTransport) topicName(queue string) string {
	return fmt.Sprintf("projects/%s/topics/%s", t.cfg.ProjectID, queue)
}

func (t *GooglePubsubTransport) subscriptionName(queue string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", t.cfg.ProjectID, queue)
}

// EnsureQueue creates the topic and its pull subscription, tolerating both
// already existing.
func (t *GooglePubsubTransport) EnsureQueue(ctx context.Context, queue string) error {
	_, err := t.publisher.CreateTopic(ctx, &pubsubpb.Topic{Name: t.topicName(queue)})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create topic for queue %q: %w", queue, err)
	}

	_, err = t.subscriber.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               t.subscriptionName(queue),
		Topic:              t.topicName(queue),
		AckDeadlineSeconds: int32(t.cfg.AckDeadline / time.Second),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create subscription for queue %q: %w", queue, err)
	}
	t.logger.Debug().Str("queue", queue).Msg("Queue topic and subscription ensured.")
	return nil
}

// Receive pulls up to max messages. An idle subscription yields an empty
// batch once the receive timeout lapses rather than an error.
func (t *GooglePubsubTransport) Receive(ctx context.Context, queue string, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, t.cfg.ReceiveTimeout)
	defer cancel()

	resp, err := t.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: t.subscriptionName(queue),
		MaxMessages:  int32(max),
	})
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pull from queue %q: %w", queue, err)
	}

	messages := make([]Message, 0, len(resp.ReceivedMessages))
	for _, received := range resp.ReceivedMessages {
		if received.Message == nil {
			continue
		}
		messages = append(messages, Message{
			ID:         received.Message.MessageId,
			Receipt:    received.AckId,
			Body:       received.Message.Data,
			Attributes: received.Message.Attributes,
		})
	}
	return messages, nil
}

// Delete acknowledges the delivery identified by the receipt (ack ID).
func (t *GooglePubsubTransport) Delete(ctx context.Context, queue string, receipt string) error {
	err := t.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: t.subscriptionName(queue),
		AckIds:       []string{receipt},
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge message on queue %q: %w", queue, err)
	}
	return nil
}

// Publish sends a single message to the queue's topic.
func (t *GooglePubsubTransport) Publish(ctx context.Context, queue string, payload []byte, attributes map[string]string) error {
	_, err := t.publisher.Publish(ctx, &pubsubpb.PublishRequest{
		Topic: t.topicName(queue),
		Messages: []*pubsubpb.PubsubMessage{
			{Data: payload, Attributes: attributes},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to queue %q: %w", queue, err)
	}
	return nil
}

// Close releases both underlying clients.
func (t *GooglePubsubTransport) Close() error {
	t.logger.Info().Msg("Closing Pub/Sub transport clients...")
	pubErr := t.publisher.Close()
	subErr := t.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
