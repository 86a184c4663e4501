package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InvalidationChannel is the pub/sub channel shared by every registry node.
const InvalidationChannel = "pushreg:cache:invalidate"

// LocalCache is the part of the subscription cache a peer message acts on.
type LocalCache interface {
	DropFor(userID, contextID int)
	Clear()
}

type invalidation struct {
	Node      string `json:"node"`
	All       bool   `json:"all,omitempty"`
	UserID    int    `json:"user_id,omitempty"`
	ContextID int    `json:"context_id,omitempty"`
}

// InvalidationBus publishes cache invalidations to peer nodes and applies
// theirs locally. A node never acts on its own messages; it has already
// invalidated before publishing.
type InvalidationBus struct {
	client  *Client
	channel string
	node    string
	logger  *zap.Logger
}

// NewInvalidationBus creates a bus with a random node id.
func NewInvalidationBus(client *Client, logger *zap.Logger) *InvalidationBus {
	return &InvalidationBus{
		client:  client,
		channel: InvalidationChannel,
		node:    uuid.NewString(),
		logger:  logger,
	}
}

// Node returns the id this bus stamps on outgoing messages.
func (b *InvalidationBus) Node() string {
	return b.node
}

// Drop asks peers to drop one user's collection.
func (b *InvalidationBus) Drop(ctx context.Context, userID, contextID int) error {
	return b.publish(ctx, invalidation{Node: b.node, UserID: userID, ContextID: contextID})
}

// Clear asks peers to drop every collection.
func (b *InvalidationBus) Clear(ctx context.Context) error {
	return b.publish(ctx, invalidation{Node: b.node, All: true})
}

func (b *InvalidationBus) publish(ctx context.Context, msg invalidation) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := b.client.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Listener receives peer invalidations.
type Listener struct {
	bus    *InvalidationBus
	pubsub *redis.PubSub
}

// Subscribe joins the invalidation channel. It returns once Redis has
// confirmed the subscription, so no later message is missed.
func (b *InvalidationBus) Subscribe(ctx context.Context) (*Listener, error) {
	pubsub := b.client.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	return &Listener{bus: b, pubsub: pubsub}, nil
}

// Run applies peer invalidations to cache until ctx is done. Messages sent
// while the connection was down are lost, so the whole cache is cleared
// whenever the client resubscribes after a reconnect.
func (l *Listener) Run(ctx context.Context, cache LocalCache) {
	defer l.pubsub.Close()

	l.bus.logger.Info("listening for cache invalidations",
		zap.String("channel", l.bus.channel),
		zap.String("node", l.bus.node),
	)

	ch := l.pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			l.dispatch(v, cache)
		}
	}
}

// dispatch handles one item from the subscription channel. The initial
// confirmation is consumed by Subscribe, so any later one is a resubscribe.
func (l *Listener) dispatch(v interface{}, cache LocalCache) {
	switch m := v.(type) {
	case *redis.Message:
		l.bus.apply(m.Payload, cache)
	case *redis.Subscription:
		if m.Kind != "subscribe" {
			return
		}
		l.bus.logger.Warn("resubscribed to cache invalidations, clearing cache",
			zap.String("channel", m.Channel),
		)
		cache.Clear()
	}
}

func (b *InvalidationBus) apply(payload string, cache LocalCache) {
	var msg invalidation
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("dropping malformed invalidation", zap.Error(err))
		return
	}
	if msg.Node == b.node {
		return
	}
	if msg.All {
		cache.Clear()
		return
	}
	cache.DropFor(msg.UserID, msg.ContextID)
}
