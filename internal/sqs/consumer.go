// Package sqs reads token feedback from SQS. Push gateways report tokens
// that APNs/FCM rejected as permanently invalid; the registry drops them.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, for LocalStack
}

// API is the subset of the SQS client the consumer uses.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// TokenFeedback is the payload a push gateway sends for a dead token.
type TokenFeedback struct {
	Token       string `json:"token"`
	TransportID string `json:"transport_id"`
	Reason      string `json:"reason,omitempty"`
	ReportedAt  int64  `json:"reported_at,omitempty"`
}

// Validate checks the fields needed to remove a token.
func (f TokenFeedback) Validate() error {
	if f.Token == "" {
		return errors.New("token is required")
	}
	if f.TransportID == "" {
		return errors.New("transport_id is required")
	}
	return nil
}

// Delivery is one received message. Feedback is nil when the body could
// not be decoded; DecodeErr says why.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	Feedback      *TokenFeedback
	DecodeErr     error
}

// Consumer reads token feedback from SQS.
type Consumer struct {
	client      API
	queueURL    string
	maxMessages int32
	logger      *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewConsumerWithClient(client, cfg.QueueURL, logger), nil
}

// NewConsumerWithClient creates a consumer over an existing client.
func NewConsumerWithClient(client API, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		maxMessages: 10,
		logger:      logger,
	}
}

// Receive long-polls for up to ten messages.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		d := Delivery{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		var fb TokenFeedback
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &fb); err != nil {
			d.DecodeErr = fmt.Errorf("invalid message format: %w", err)
		} else if err := fb.Validate(); err != nil {
			d.DecodeErr = fmt.Errorf("invalid feedback: %w", err)
		} else {
			d.Feedback = &fb
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Delete removes a message from SQS after successful processing.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility sets when a failed message becomes visible again.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
