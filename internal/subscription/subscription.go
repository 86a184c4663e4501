// Package subscription defines push subscriptions, topic interests and the
// rules for matching a notification topic against them.
package subscription

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTopic is returned when a declared topic fails the grammar.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrTokenInUse is returned when a token update would collide with a
	// registration that already holds the new token.
	ErrTokenInUse = errors.New("token already in use")

	// ErrStorage wraps every failure reported by the backing store.
	ErrStorage = errors.New("subscription storage error")
)

// Subscription is one registered interest of a device/app in a set of topics.
type Subscription struct {
	ID           uuid.UUID  `json:"id"`
	ContextID    int        `json:"context_id"`
	UserID       int        `json:"user_id"`
	Token        string     `json:"token"`
	Client       string     `json:"client"`
	TransportID  string     `json:"transport_id"`
	Topics       []string   `json:"topics"`
	Expires      *time.Time `json:"expires,omitempty"`
	LastModified time.Time  `json:"last_modified"`
}

// Expired reports whether the subscription carries an expiry before now.
func (s *Subscription) Expired(now time.Time) bool {
	return s.Expires != nil && s.Expires.Before(now)
}

// ClientAndTransport groups query results by requesting client and transport.
type ClientAndTransport struct {
	Client      string `json:"client"`
	TransportID string `json:"transport_id"`
}

// PushMatch describes one subscription matched against one query topic.
type PushMatch struct {
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	UserID         int        `json:"user_id"`
	ContextID      int        `json:"context_id"`
	Client         string     `json:"client"`
	TransportID    string     `json:"transport_id"`
	Token          string     `json:"token"`
	Topic          string     `json:"topic"`
	LastModified   time.Time  `json:"last_modified"`
	Expires        *time.Time `json:"expires,omitempty"`
}

// Expired reports whether the matched subscription is past its expiry.
func (m PushMatch) Expired(now time.Time) bool {
	return m.Expires != nil && m.Expires.Before(now)
}

// MatchGroups is the result of a batch interest query.
type MatchGroups map[ClientAndTransport][]PushMatch

// Add appends m to the group of its client and transport.
func (g MatchGroups) Add(m PushMatch) {
	key := ClientAndTransport{Client: m.Client, TransportID: m.TransportID}
	g[key] = append(g[key], m)
}

// Len returns the total number of matches across all groups.
func (g MatchGroups) Len() int {
	n := 0
	for _, matches := range g {
		n += len(matches)
	}
	return n
}

// RegisterStatus is the outcome of a registration attempt.
type RegisterStatus int

const (
	StatusOK RegisterStatus = iota
	StatusConflictingUser
)

func (s RegisterStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConflictingUser:
		return "conflicting_user"
	default:
		return "unknown"
	}
}

// RegisterResult carries the outcome of a registration. For
// StatusConflictingUser the owner fields identify who already holds the
// token/transport/client triple.
type RegisterResult struct {
	Status         RegisterStatus
	OwnerUserID    int
	OwnerContextID int
}

// OK is the result of a successful registration.
func OK() RegisterResult {
	return RegisterResult{Status: StatusOK}
}

// Conflict is the result of a registration that collided with another owner.
func Conflict(ownerUserID, ownerContextID int) RegisterResult {
	return RegisterResult{
		Status:         StatusConflictingUser,
		OwnerUserID:    ownerUserID,
		OwnerContextID: ownerContextID,
	}
}

// IDGenerator supplies identifiers for new subscription rows.
type IDGenerator interface {
	NewID() uuid.UUID
}

// UUIDGenerator generates random (version 4) UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() uuid.UUID {
	return uuid.New()
}
