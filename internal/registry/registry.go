package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushreg/internal/metrics"
	"github.com/lalithlochan/pushreg/internal/subscription"
)

// Broadcaster tells peer nodes to drop cached collections after a write.
type Broadcaster interface {
	Drop(ctx context.Context, userID, contextID int) error
	Clear(ctx context.Context) error
}

// Event types emitted after successful writes.
const (
	EventRegistered   = "subscription.registered"
	EventUnregistered = "subscription.unregistered"
	EventTokenUpdated = "token.updated"
	EventTokenRemoved = "token.removed"
)

// Event describes a change to the registry.
type Event struct {
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	ContextID      int       `json:"context_id,omitempty"`
	UserID         int       `json:"user_id,omitempty"`
	Client         string    `json:"client,omitempty"`
	TransportID    string    `json:"transport_id,omitempty"`
	Count          int       `json:"count,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// EventPublisher emits registry events to interested services.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache enables the read-through subscription cache.
func WithCache() Option {
	return func(r *Registry) { r.cacheEnabled = true }
}

// WithCacheTTL bounds how long a cached collection is served without being
// reloaded. It only matters together with WithCache.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Registry) { r.cacheTTL = d }
}

// WithBroadcaster propagates cache invalidations to other nodes.
func WithBroadcaster(b Broadcaster) Option {
	return func(r *Registry) { r.broadcaster = b }
}

// WithEvents publishes an event after each successful write.
func WithEvents(p EventPublisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the public API over the subscription store and cache. Callers
// get the same answers whether the cache is enabled or not.
type Registry struct {
	store        Store
	cache        *Cache // nil when disabled
	cacheEnabled bool
	cacheTTL     time.Duration
	broadcaster  Broadcaster
	events       EventPublisher
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a registry over store.
func New(store Store, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheEnabled {
		r.cache = NewCache(r.store.LoadSubscriptionsFor, r.logger,
			CacheTTL(r.cacheTTL),
			CacheClock(func() time.Time { return r.now() }),
		)
	}
	return r
}

// Cache returns the subscription cache, or nil when it is disabled.
func (r *Registry) Cache() *Cache {
	return r.cache
}

// Register stores sub, replacing the topics of an existing registration of
// the same context, user, token and client.
func (r *Registry) Register(ctx context.Context, sub *subscription.Subscription) (subscription.RegisterResult, error) {
	start := time.Now()
	res, err := r.store.RegisterSubscription(ctx, sub)
	metrics.ObserveStoreOperation("register", time.Since(start), err)
	if err != nil {
		if errors.Is(err, subscription.ErrInvalidTopic) {
			metrics.RecordRegistration("invalid_topic")
			return res, err
		}
		metrics.RecordRegistration("error")
		r.logger.Error("failed to register subscription",
			zap.Error(err),
			zap.Int("context_id", sub.ContextID),
			zap.Int("user_id", sub.UserID),
			zap.String("client", sub.Client),
		)
		return res, err
	}

	metrics.RecordRegistration(res.Status.String())
	if res.Status == subscription.StatusConflictingUser {
		r.logger.Warn("token already registered for another user",
			zap.Int("context_id", sub.ContextID),
			zap.Int("user_id", sub.UserID),
			zap.Int("owner_context_id", res.OwnerContextID),
			zap.Int("owner_user_id", res.OwnerUserID),
			zap.String("client", sub.Client),
			zap.String("transport_id", sub.TransportID),
		)
		return res, nil
	}

	if r.cache != nil {
		r.cache.AddAndInvalidateIfPresent(sub)
	}
	r.broadcastDrop(ctx, sub.UserID, sub.ContextID)
	r.publish(ctx, Event{
		Type:           EventRegistered,
		SubscriptionID: sub.ID.String(),
		ContextID:      sub.ContextID,
		UserID:         sub.UserID,
		Client:         sub.Client,
		TransportID:    sub.TransportID,
	})

	r.logger.Info("subscription registered",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("context_id", sub.ContextID),
		zap.Int("user_id", sub.UserID),
		zap.String("client", sub.Client),
		zap.Strings("topics", sub.Topics),
	)
	return res, nil
}

// Unregister removes the subscription identified by context, user, token and
// optionally client. It returns false when nothing was registered.
func (r *Registry) Unregister(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	removed, err := r.unregister(ctx, sub)
	if err != nil {
		r.logger.Error("failed to unregister subscription",
			zap.Error(err),
			zap.Int("context_id", sub.ContextID),
			zap.Int("user_id", sub.UserID),
		)
		return false, err
	}
	metrics.RecordUnregistration(removed != nil)
	if removed == nil {
		return false, nil
	}

	r.publish(ctx, Event{
		Type:           EventUnregistered,
		SubscriptionID: removed.ID.String(),
		ContextID:      removed.ContextID,
		UserID:         removed.UserID,
		Client:         removed.Client,
		TransportID:    removed.TransportID,
	})
	return true, nil
}

func (r *Registry) unregister(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	start := time.Now()
	removed, err := r.store.UnregisterSubscription(ctx, sub)
	metrics.ObserveStoreOperation("unregister", time.Since(start), err)
	if err != nil || removed == nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.RemoveAndInvalidateIfPresent(removed)
	}
	r.broadcastDrop(ctx, removed.UserID, removed.ContextID)
	return removed, nil
}

// UnregisterByTokenAndTransport removes a token from every tenant partition,
// typically after a push gateway reported it as permanently invalid.
//
// The store commits partition by partition, so a failure may follow
// deletions that already took effect. Caches are cleared in that case too
// before the error is returned.
func (r *Registry) UnregisterByTokenAndTransport(ctx context.Context, token, transportID string) (int, error) {
	start := time.Now()
	n, err := r.store.RemoveByTokenAndTransport(ctx, token, transportID)
	metrics.ObserveStoreOperation("remove_token", time.Since(start), err)

	if n > 0 || err != nil {
		// Removed rows may belong to any user, none of which are tracked here.
		r.clearCaches(ctx)
	}
	if n > 0 {
		metrics.RecordTokensRemoved(n)
	}
	if err != nil {
		r.logger.Error("failed to remove token",
			zap.Error(err),
			zap.String("transport_id", transportID),
			zap.Int("removed_before_failure", n),
		)
		return n, err
	}
	if n == 0 {
		return 0, nil
	}

	r.publish(ctx, Event{Type: EventTokenRemoved, TransportID: transportID, Count: n})

	r.logger.Info("token removed from all partitions",
		zap.String("transport_id", transportID),
		zap.Int("removed", n),
	)
	return n, nil
}

func (r *Registry) clearCaches(ctx context.Context) {
	if r.cache != nil {
		r.cache.Clear()
	}
	if r.broadcaster != nil {
		if err := r.broadcaster.Clear(ctx); err != nil {
			r.logger.Warn("failed to broadcast cache clear", zap.Error(err))
		}
	}
}

// UpdateToken replaces the token of an existing subscription.
func (r *Registry) UpdateToken(ctx context.Context, sub *subscription.Subscription, newToken string) (bool, error) {
	start := time.Now()
	ok, err := r.store.UpdateToken(ctx, sub, newToken)
	metrics.ObserveStoreOperation("update_token", time.Since(start), err)
	if errors.Is(err, subscription.ErrTokenInUse) {
		r.logger.Warn("new token already registered",
			zap.Int("context_id", sub.ContextID),
			zap.Int("user_id", sub.UserID),
			zap.String("client", sub.Client),
		)
		return false, err
	}
	if err != nil {
		r.logger.Error("failed to update token",
			zap.Error(err),
			zap.Int("context_id", sub.ContextID),
			zap.Int("user_id", sub.UserID),
		)
		return false, err
	}
	if !ok {
		return false, nil
	}

	if r.cache != nil {
		r.cache.DropFor(sub.UserID, sub.ContextID)
	}
	r.broadcastDrop(ctx, sub.UserID, sub.ContextID)
	r.publish(ctx, Event{
		Type:        EventTokenUpdated,
		ContextID:   sub.ContextID,
		UserID:      sub.UserID,
		Client:      sub.Client,
		TransportID: sub.TransportID,
	})
	return true, nil
}

// HasInterestedSubscriptions reports whether the user has a live subscription
// interested in topic. An empty client matches every client.
func (r *Registry) HasInterestedSubscriptions(ctx context.Context, client string, userID, contextID int, topic string) (bool, error) {
	if r.cache != nil {
		coll, err := r.cache.CollectionFor(ctx, userID, contextID)
		if err == nil {
			return coll.HasInterestedSubscriptions(client, topic, r.now()), nil
		}
		r.logger.Warn("cache unavailable, querying store", zap.Error(err))
	}

	start := time.Now()
	ok, err := r.store.HasInterestedSubscriptions(ctx, client, userID, contextID, topic)
	metrics.ObserveStoreOperation("has_interested", time.Since(start), err)
	return ok, err
}

// GetInterestedSubscriptions returns the live subscriptions of the given users
// interested in topic, grouped by client and transport. Expired subscriptions
// found on the way are removed and left out of the result.
func (r *Registry) GetInterestedSubscriptions(ctx context.Context, client string, userIDs []int, contextID int, topic string) (subscription.MatchGroups, error) {
	userIDs = distinct(userIDs)
	if len(userIDs) == 0 {
		return subscription.MatchGroups{}, nil
	}

	groups, err := r.interested(ctx, client, userIDs, contextID, topic)
	if err != nil {
		return nil, err
	}

	live, expired := r.splitExpired(groups)
	r.sweep(ctx, expired)
	return live, nil
}

func (r *Registry) interested(ctx context.Context, client string, userIDs []int, contextID int, topic string) (subscription.MatchGroups, error) {
	if r.cache != nil {
		groups := subscription.MatchGroups{}
		var cacheErr error
		for _, userID := range userIDs {
			coll, err := r.cache.CollectionFor(ctx, userID, contextID)
			if err != nil {
				cacheErr = err
				break
			}
			coll.GetInterestedSubscriptions(client, topic, groups)
		}
		if cacheErr == nil {
			return groups, nil
		}
		r.logger.Warn("cache unavailable, querying store", zap.Error(cacheErr))
	}

	start := time.Now()
	groups, err := r.store.GetInterestedSubscriptions(ctx, client, userIDs, contextID, topic)
	metrics.ObserveStoreOperation("get_interested", time.Since(start), err)
	return groups, err
}

// LoadSubscriptions returns the live subscriptions of a user. Expired ones
// are removed and left out.
func (r *Registry) LoadSubscriptions(ctx context.Context, userID, contextID int) ([]*subscription.Subscription, error) {
	start := time.Now()
	subs, err := r.store.LoadSubscriptionsFor(ctx, userID, contextID)
	metrics.ObserveStoreOperation("load", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	now := r.now()
	live := make([]*subscription.Subscription, 0, len(subs))
	var expired []*subscription.Subscription
	for _, s := range subs {
		if s.Expired(now) {
			expired = append(expired, s)
			continue
		}
		live = append(live, s)
	}
	r.sweep(ctx, expired)
	return live, nil
}

func (r *Registry) splitExpired(groups subscription.MatchGroups) (subscription.MatchGroups, []*subscription.Subscription) {
	now := r.now()
	live := make(subscription.MatchGroups, len(groups))
	var expired []*subscription.Subscription
	for key, matches := range groups {
		for _, m := range matches {
			if m.Expired(now) {
				expired = append(expired, &subscription.Subscription{
					ID:        m.SubscriptionID,
					ContextID: m.ContextID,
					UserID:    m.UserID,
				})
				continue
			}
			live[key] = append(live[key], m)
		}
	}
	return live, expired
}

// sweep deletes expired subscriptions by id. Failures are logged only; the
// rows stay excluded from results and are retried on a later read.
func (r *Registry) sweep(ctx context.Context, expired []*subscription.Subscription) {
	if len(expired) == 0 {
		return
	}
	now := r.now()
	swept := 0
	for _, s := range expired {
		start := time.Now()
		removed, err := r.store.RemoveExpired(ctx, s.ContextID, s.ID, now)
		metrics.ObserveStoreOperation("remove_expired", time.Since(start), err)
		if err != nil {
			r.logger.Warn("failed to remove expired subscription",
				zap.Error(err),
				zap.String("subscription_id", s.ID.String()),
				zap.Int("context_id", s.ContextID),
				zap.Int("user_id", s.UserID),
			)
			continue
		}
		if removed == nil {
			continue
		}
		swept++
		if r.cache != nil {
			r.cache.RemoveAndInvalidateIfPresent(removed)
		}
		r.broadcastDrop(ctx, removed.UserID, removed.ContextID)
	}
	if swept > 0 {
		metrics.RecordExpiredSwept(swept)
		r.logger.Debug("removed expired subscriptions", zap.Int("count", swept))
	}
}

func (r *Registry) broadcastDrop(ctx context.Context, userID, contextID int) {
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Drop(ctx, userID, contextID); err != nil {
		r.logger.Warn("failed to broadcast cache invalidation",
			zap.Error(err),
			zap.Int("user_id", userID),
			zap.Int("context_id", contextID),
		)
	}
}

func (r *Registry) publish(ctx context.Context, event Event) {
	if r.events == nil {
		return
	}
	event.OccurredAt = r.now()
	if err := r.events.Publish(ctx, event); err != nil {
		metrics.RecordEventPublished(event.Type, "failed")
		r.logger.Warn("failed to publish registry event",
			zap.Error(err),
			zap.String("type", event.Type),
		)
		return
	}
	metrics.RecordEventPublished(event.Type, "published")
}

func distinct(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
