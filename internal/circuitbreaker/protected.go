package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushreg/internal/registry"
)

var (
	_ registry.EventPublisher = (*ProtectedPublisher)(nil)
	_ registry.Broadcaster    = (*ProtectedBroadcaster)(nil)
)

// ProtectedPublisher wraps an EventPublisher with a CircuitBreaker so a
// dead event topic does not add latency to every registry write.
type ProtectedPublisher struct {
	publisher registry.EventPublisher
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedPublisher wraps publisher with breaker protection.
func NewProtectedPublisher(publisher registry.EventPublisher, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPublisher {
	return &ProtectedPublisher{
		publisher: publisher,
		breaker:   breaker,
		logger:    logger,
	}
}

func (p *ProtectedPublisher) Publish(ctx context.Context, event registry.Event) error {
	err := p.breaker.Do(func() error {
		return p.publisher.Publish(ctx, event)
	})
	if err != nil {
		p.logger.Debug("event publish failed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("type", event.Type),
			zap.String("state", p.breaker.GetState().String()),
			zap.Error(err),
		)
	}
	return err
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedPublisher) Breaker() *CircuitBreaker {
	return p.breaker
}

// ProtectedBroadcaster wraps a cache invalidation Broadcaster.
type ProtectedBroadcaster struct {
	broadcaster registry.Broadcaster
	breaker     *CircuitBreaker
}

// NewProtectedBroadcaster wraps broadcaster with breaker protection.
func NewProtectedBroadcaster(broadcaster registry.Broadcaster, breaker *CircuitBreaker) *ProtectedBroadcaster {
	return &ProtectedBroadcaster{broadcaster: broadcaster, breaker: breaker}
}

func (b *ProtectedBroadcaster) Drop(ctx context.Context, userID, contextID int) error {
	return b.breaker.Do(func() error {
		return b.broadcaster.Drop(ctx, userID, contextID)
	})
}

func (b *ProtectedBroadcaster) Clear(ctx context.Context) error {
	return b.breaker.Do(func() error {
		return b.broadcaster.Clear(ctx)
	})
}

// Breaker returns the underlying circuit breaker for monitoring.
func (b *ProtectedBroadcaster) Breaker() *CircuitBreaker {
	return b.breaker
}
