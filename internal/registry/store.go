// Package registry combines the subscription store with an optional
// in-memory cache and exposes the operations the notification dispatch
// layer depends on.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/pushreg/internal/subscription"
)

// Store is the durable source of truth for subscriptions.
// Every mutating operation runs in a single transaction.
type Store interface {
	// RegisterSubscription validates and upserts sub, replacing its topics.
	// A token/transport/client triple owned by another user yields a
	// StatusConflictingUser result rather than an error.
	RegisterSubscription(ctx context.Context, sub *subscription.Subscription) (subscription.RegisterResult, error)

	// UnregisterSubscription removes the subscription matching context, user,
	// token and (if non-empty) client. It returns nil when nothing matched.
	UnregisterSubscription(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error)

	// RemoveExpired deletes the subscription with the given id if it expired
	// before now. A row renewed in the meantime is left alone and nil is
	// returned.
	RemoveExpired(ctx context.Context, contextID int, id uuid.UUID, now time.Time) (*subscription.Subscription, error)

	// RemoveByTokenAndTransport removes the token from every partition. On
	// failure the count still reports rows already deleted in partitions
	// that committed.
	RemoveByTokenAndTransport(ctx context.Context, token, transportID string) (int, error)

	// UpdateToken replaces the token of an existing subscription. It fails
	// with ErrTokenInUse when the new token is already held by another
	// registration of the same client.
	UpdateToken(ctx context.Context, sub *subscription.Subscription, newToken string) (bool, error)

	// HasInterestedSubscriptions reports whether any live subscription of the
	// user is interested in topic.
	HasInterestedSubscriptions(ctx context.Context, client string, userID, contextID int, topic string) (bool, error)

	// GetInterestedSubscriptions returns at most one match per subscription.
	// Expired rows are included so the caller can sweep them.
	GetInterestedSubscriptions(ctx context.Context, client string, userIDs []int, contextID int, topic string) (subscription.MatchGroups, error)

	// LoadSubscriptionsFor returns all subscriptions of a user, expired ones included.
	LoadSubscriptionsFor(ctx context.Context, userID, contextID int) ([]*subscription.Subscription, error)
}
