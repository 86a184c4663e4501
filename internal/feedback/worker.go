// Package feedback removes tokens that push gateways reported as dead.
package feedback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushreg/internal/metrics"
	"github.com/lalithlochan/pushreg/internal/sqs"
)

// Source delivers feedback messages and acknowledges them.
type Source interface {
	Receive(ctx context.Context) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// TokenRemover is the registry operation the worker drives.
type TokenRemover interface {
	UnregisterByTokenAndTransport(ctx context.Context, token, transportID string) (int, error)
}

type Worker struct {
	source  Source
	remover TokenRemover
	config  Config
	logger  *zap.Logger
}

type Config struct {
	// RetryAfter is how long a message whose removal failed stays
	// invisible before it is retried.
	RetryAfter time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

func New(source Source, remover TokenRemover, cfg Config, logger *zap.Logger) *Worker {
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Worker{
		source:  source,
		remover: remover,
		config:  cfg,
		logger:  logger,
	}
}

// Start polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("feedback worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("feedback worker stopping")
			return
		}

		deliveries, err := w.source.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				continue
			}
			w.logger.Error("failed to receive feedback", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.config.ErrorBackoff):
			}
			continue
		}

		w.ProcessBatch(ctx, deliveries)
	}
}

// ProcessBatch handles one batch of deliveries.
func (w *Worker) ProcessBatch(ctx context.Context, deliveries []sqs.Delivery) {
	metrics.SetSQSMessagesInFlight(len(deliveries))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, d := range deliveries {
		w.process(ctx, d)
	}
}

func (w *Worker) process(ctx context.Context, d sqs.Delivery) {
	if d.Feedback == nil {
		// Poison message, retrying will not help.
		w.logger.Warn("discarding malformed feedback",
			zap.String("message_id", d.MessageID),
			zap.Error(d.DecodeErr),
		)
		metrics.RecordFeedbackProcessed("malformed")
		w.ack(ctx, d)
		return
	}

	fb := d.Feedback
	removed, err := w.remover.UnregisterByTokenAndTransport(ctx, fb.Token, fb.TransportID)
	if err != nil {
		w.logger.Error("failed to remove reported token",
			zap.Error(err),
			zap.String("message_id", d.MessageID),
			zap.String("transport_id", fb.TransportID),
		)
		metrics.RecordFeedbackProcessed("failed")
		if err := w.source.ChangeVisibility(ctx, d.ReceiptHandle, int32(w.config.RetryAfter.Seconds())); err != nil {
			w.logger.Warn("failed to reschedule feedback", zap.Error(err))
		}
		return
	}

	status := "removed"
	if removed == 0 {
		status = "unknown_token"
	}
	metrics.RecordFeedbackProcessed(status)
	w.logger.Info("processed token feedback",
		zap.String("message_id", d.MessageID),
		zap.String("transport_id", fb.TransportID),
		zap.String("reason", fb.Reason),
		zap.Int("removed", removed),
	)
	w.ack(ctx, d)
}

func (w *Worker) ack(ctx context.Context, d sqs.Delivery) {
	if err := w.source.Delete(ctx, d.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete feedback message",
			zap.Error(err),
			zap.String("message_id", d.MessageID),
		)
	}
}
