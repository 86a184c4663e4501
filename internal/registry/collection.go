package registry

import (
	"time"

	"github.com/lalithlochan/pushreg/internal/subscription"
)

type collectionEntry struct {
	sub       *subscription.Subscription
	interests subscription.Interests
}

// InterestCollection is an immutable in-memory index of one user's
// subscriptions. It is never patched; invalidation replaces it wholesale.
type InterestCollection struct {
	userID    int
	contextID int
	entries   []collectionEntry
}

// NewInterestCollection indexes subs, all of which belong to one user.
// Subscriptions whose stored topics no longer parse are skipped.
func NewInterestCollection(userID, contextID int, subs []*subscription.Subscription) *InterestCollection {
	c := &InterestCollection{
		userID:    userID,
		contextID: contextID,
		entries:   make([]collectionEntry, 0, len(subs)),
	}
	for _, s := range subs {
		in, err := subscription.ParseInterests(s.Topics)
		if err != nil {
			continue
		}
		c.entries = append(c.entries, collectionEntry{sub: s, interests: in})
	}
	return c
}

// Len returns the number of indexed subscriptions.
func (c *InterestCollection) Len() int {
	return len(c.entries)
}

// HasInterestedSubscriptions reports whether a live subscription matches topic.
func (c *InterestCollection) HasInterestedSubscriptions(client, topic string, now time.Time) bool {
	for _, e := range c.entries {
		if client != "" && e.sub.Client != client {
			continue
		}
		if e.sub.Expired(now) {
			continue
		}
		if _, ok := subscription.Match(topic, e.interests); ok {
			return true
		}
	}
	return false
}

// GetInterestedSubscriptions appends one match per interested subscription
// to groups. Expired subscriptions are included for the caller to sweep.
func (c *InterestCollection) GetInterestedSubscriptions(client, topic string, groups subscription.MatchGroups) {
	for _, e := range c.entries {
		if client != "" && e.sub.Client != client {
			continue
		}
		if matched, ok := subscription.Match(topic, e.interests); ok {
			groups.Add(matchFor(e.sub, matched))
		}
	}
}
