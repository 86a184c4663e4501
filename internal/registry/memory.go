package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/pushreg/internal/subscription"
)

var _ Store = (*Memory)(nil)

type memoryRow struct {
	sub       subscription.Subscription
	interests subscription.Interests
}

// Memory implements Store in memory, for development and tests.
// It enforces the same uniqueness rules as the relational store.
type Memory struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*memoryRow
	ids  subscription.IDGenerator
	now  func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(ids subscription.IDGenerator) *Memory {
	if ids == nil {
		ids = subscription.UUIDGenerator{}
	}
	return &Memory{
		rows: make(map[uuid.UUID]*memoryRow),
		ids:  ids,
		now:  time.Now,
	}
}

func (m *Memory) RegisterSubscription(_ context.Context, sub *subscription.Subscription) (subscription.RegisterResult, error) {
	interests, err := subscription.ParseInterests(sub.Topics)
	if err != nil {
		return subscription.RegisterResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *memoryRow
	for _, row := range m.rows {
		r := &row.sub
		if r.Token == sub.Token && r.TransportID == sub.TransportID && r.Client == sub.Client &&
			(r.ContextID != sub.ContextID || r.UserID != sub.UserID) {
			return subscription.Conflict(r.UserID, r.ContextID), nil
		}
		if r.ContextID == sub.ContextID && r.UserID == sub.UserID && r.Token == sub.Token && r.Client == sub.Client {
			existing = row
		}
	}

	now := m.now()
	if existing == nil {
		existing = &memoryRow{sub: subscription.Subscription{
			ID:        m.ids.NewID(),
			ContextID: sub.ContextID,
			UserID:    sub.UserID,
			Token:     sub.Token,
			Client:    sub.Client,
		}}
		m.rows[existing.sub.ID] = existing
	}
	existing.sub.TransportID = sub.TransportID
	existing.sub.Expires = copyTime(sub.Expires)
	existing.sub.LastModified = now
	existing.interests = interests

	sub.ID = existing.sub.ID
	sub.LastModified = now
	return subscription.OK(), nil
}

func (m *Memory) UnregisterSubscription(_ context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*memoryRow
	for id, row := range m.rows {
		r := &row.sub
		if r.ContextID != sub.ContextID || r.UserID != sub.UserID || r.Token != sub.Token {
			continue
		}
		if sub.Client != "" && r.Client != sub.Client {
			continue
		}
		removed = append(removed, row)
		delete(m.rows, id)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].sub.ID.String() < removed[j].sub.ID.String()
	})
	return removed[0].toSubscription(), nil
}

func (m *Memory) RemoveExpired(_ context.Context, contextID int, id uuid.UUID, now time.Time) (*subscription.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok || row.sub.ContextID != contextID || !row.sub.Expired(now) {
		return nil, nil
	}
	delete(m.rows, id)
	return row.toSubscription(), nil
}

func (m *Memory) RemoveByTokenAndTransport(_ context.Context, token, transportID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, row := range m.rows {
		if row.sub.Token == token && row.sub.TransportID == transportID {
			delete(m.rows, id)
			count++
		}
	}
	return count, nil
}

func (m *Memory) UpdateToken(_ context.Context, sub *subscription.Subscription, newToken string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *memoryRow
	for _, row := range m.rows {
		r := &row.sub
		if r.ContextID == sub.ContextID && r.UserID == sub.UserID && r.Token == sub.Token && r.Client == sub.Client {
			target = row
			break
		}
	}
	if target == nil {
		return false, nil
	}
	if newToken == target.sub.Token {
		target.sub.LastModified = m.now()
		return true, nil
	}

	t := &target.sub
	for _, row := range m.rows {
		r := &row.sub
		if r.Token != newToken || r.Client != t.Client {
			continue
		}
		if r.TransportID == t.TransportID || (r.ContextID == t.ContextID && r.UserID == t.UserID) {
			return false, fmt.Errorf("update token for user %d in context %d: %w", t.UserID, t.ContextID, subscription.ErrTokenInUse)
		}
	}

	t.Token = newToken
	t.LastModified = m.now()
	return true, nil
}

func (m *Memory) HasInterestedSubscriptions(_ context.Context, client string, userID, contextID int, topic string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	for _, row := range m.rows {
		r := &row.sub
		if r.ContextID != contextID || r.UserID != userID || r.Expired(now) {
			continue
		}
		if client != "" && r.Client != client {
			continue
		}
		if _, ok := subscription.Match(topic, row.interests); ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GetInterestedSubscriptions(_ context.Context, client string, userIDs []int, contextID int, topic string) (subscription.MatchGroups, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make(map[int]struct{}, len(userIDs))
	for _, id := range userIDs {
		users[id] = struct{}{}
	}

	groups := subscription.MatchGroups{}
	for _, row := range m.rows {
		r := &row.sub
		if _, ok := users[r.UserID]; !ok || r.ContextID != contextID {
			continue
		}
		if client != "" && r.Client != client {
			continue
		}
		if matched, ok := subscription.Match(topic, row.interests); ok {
			groups.Add(matchFor(r, matched))
		}
	}
	return groups, nil
}

func (m *Memory) LoadSubscriptionsFor(_ context.Context, userID, contextID int) ([]*subscription.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var subs []*subscription.Subscription
	for _, row := range m.rows {
		if row.sub.UserID == userID && row.sub.ContextID == contextID {
			subs = append(subs, row.toSubscription())
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID.String() < subs[j].ID.String() })
	return subs, nil
}

func (r *memoryRow) toSubscription() *subscription.Subscription {
	s := r.sub
	s.Expires = copyTime(r.sub.Expires)
	s.Topics = r.interests.Topics()
	return &s
}

func matchFor(s *subscription.Subscription, topic string) subscription.PushMatch {
	return subscription.PushMatch{
		SubscriptionID: s.ID,
		UserID:         s.UserID,
		ContextID:      s.ContextID,
		Client:         s.Client,
		TransportID:    s.TransportID,
		Token:          s.Token,
		Topic:          topic,
		LastModified:   s.LastModified,
		Expires:        copyTime(s.Expires),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
