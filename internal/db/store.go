package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushreg/internal/registry"
	"github.com/lalithlochan/pushreg/internal/subscription"
)

var _ registry.Store = (*Store)(nil)

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tables struct {
	subs   string
	exact  string
	prefix string
}

func tablesFor(schema string) tables {
	return tables{
		subs:   pgx.Identifier{schema, "push_subscription"}.Sanitize(),
		exact:  pgx.Identifier{schema, "push_subscription_topic_exact"}.Sanitize(),
		prefix: pgx.Identifier{schema, "push_subscription_topic_prefix"}.Sanitize(),
	}
}

// Store persists subscriptions in Postgres, one set of tables per partition
// schema.
type Store struct {
	db         *DB
	partitions Partitions
	ids        subscription.IDGenerator
	logger     *zap.Logger
	owners     string // subscription rows of every partition, for owner lookups
}

// NewStore creates a Postgres-backed subscription store.
func NewStore(db *DB, partitions Partitions, ids subscription.IDGenerator, logger *zap.Logger) *Store {
	if ids == nil {
		ids = subscription.UUIDGenerator{}
	}
	return &Store{
		db:         db,
		partitions: partitions,
		ids:        ids,
		logger:     logger,
		owners:     ownersRelation(partitions.Schemas()),
	}
}

// ownersRelation unions the subscription tables of all partitions. A token
// has one owner across the whole database, not just within its partition.
func ownersRelation(schemas []string) string {
	var b strings.Builder
	b.WriteString("(")
	for i, schema := range schemas {
		if i > 0 {
			b.WriteString(" UNION ALL ")
		}
		b.WriteString("SELECT context_id, user_id, token, transport, client FROM ")
		b.WriteString(tablesFor(schema).subs)
	}
	b.WriteString(")")
	return b.String()
}

// lockToken serializes writers of one token/transport/client triple for the
// rest of tx. Partition tables cannot share a unique constraint, so this
// lock is what keeps the owner check and the insert atomic across them.
func lockToken(ctx context.Context, tx pgx.Tx, token, transportID, client string) error {
	key := fmt.Sprintf("%q|%q|%q", token, transportID, client)
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func (s *Store) tables(contextID int) tables {
	return tablesFor(s.partitions.SchemaFor(contextID))
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, subscription.ErrStorage, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// RegisterSubscription upserts sub and replaces its topic rows.
func (s *Store) RegisterSubscription(ctx context.Context, sub *subscription.Subscription) (subscription.RegisterResult, error) {
	interests, err := subscription.ParseInterests(sub.Topics)
	if err != nil {
		return subscription.RegisterResult{}, err
	}
	t := s.tables(sub.ContextID)

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return subscription.RegisterResult{}, storageErr("begin register", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockToken(ctx, tx, sub.Token, sub.TransportID, sub.Client); err != nil {
		return subscription.RegisterResult{}, storageErr("lock token", err)
	}

	ownerUser, ownerContext, found, err := s.findOwner(ctx, tx, sub.Token, sub.TransportID, sub.Client, sub.ContextID, sub.UserID)
	if err != nil {
		return subscription.RegisterResult{}, storageErr("check token owner", err)
	}
	if found {
		return subscription.Conflict(ownerUser, ownerContext), nil
	}

	id := s.ids.NewID()
	var lastModified time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO `+t.subs+` (
			id, context_id, user_id, token, client,
			transport, all_flag, expires, last_modified
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (context_id, user_id, token, client) DO UPDATE SET
			transport = EXCLUDED.transport,
			all_flag = EXCLUDED.all_flag,
			expires = EXCLUDED.expires,
			last_modified = EXCLUDED.last_modified
		RETURNING id, last_modified
	`,
		id, sub.ContextID, sub.UserID, sub.Token, sub.Client,
		sub.TransportID, interests.All, sub.Expires,
	).Scan(&id, &lastModified)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent writer claimed the token between our check and insert.
			_ = tx.Rollback(ctx)
			return s.conflictAfterRace(ctx, sub, err)
		}
		return subscription.RegisterResult{}, storageErr("upsert subscription", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+t.exact+` WHERE id = $1`, id); err != nil {
		return subscription.RegisterResult{}, storageErr("clear exact topics", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+t.prefix+` WHERE id = $1`, id); err != nil {
		return subscription.RegisterResult{}, storageErr("clear prefix topics", err)
	}

	batch := &pgx.Batch{}
	for _, topic := range interests.Exact {
		batch.Queue(`INSERT INTO `+t.exact+` (id, topic) VALUES ($1, $2)`, id, topic)
	}
	for _, prefix := range interests.Prefixes {
		batch.Queue(`INSERT INTO `+t.prefix+` (id, prefix) VALUES ($1, $2)`, id, prefix)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return subscription.RegisterResult{}, storageErr("insert topics", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return subscription.RegisterResult{}, storageErr("commit register", err)
	}

	sub.ID = id
	sub.LastModified = lastModified
	return subscription.OK(), nil
}

func (s *Store) conflictAfterRace(ctx context.Context, sub *subscription.Subscription, cause error) (subscription.RegisterResult, error) {
	ownerUser, ownerContext, found, err := s.findOwner(ctx, s.db.Pool(), sub.Token, sub.TransportID, sub.Client, sub.ContextID, sub.UserID)
	if err != nil {
		return subscription.RegisterResult{}, storageErr("check token owner", err)
	}
	if !found {
		return subscription.RegisterResult{}, storageErr("upsert subscription", cause)
	}
	s.logger.Debug("registration lost race for token",
		zap.Int("owner_user_id", ownerUser),
		zap.Int("owner_context_id", ownerContext),
	)
	return subscription.Conflict(ownerUser, ownerContext), nil
}

// findOwner looks in every partition for another user holding the triple.
func (s *Store) findOwner(ctx context.Context, q dbtx, token, transportID, client string, contextID, userID int) (ownerUser, ownerContext int, found bool, err error) {
	err = q.QueryRow(ctx, `
		SELECT o.user_id, o.context_id FROM `+s.owners+` o
		WHERE o.token = $1 AND o.transport = $2 AND o.client = $3
		  AND (o.context_id <> $4 OR o.user_id <> $5)
		LIMIT 1
	`, token, transportID, client, contextID, userID).Scan(&ownerUser, &ownerContext)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return ownerUser, ownerContext, true, nil
}

// UnregisterSubscription deletes the matching rows and returns the first one.
func (s *Store) UnregisterSubscription(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	t := s.tables(sub.ContextID)

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, storageErr("begin unregister", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	subs, err := querySubscriptions(ctx, tx, t, `
		s.context_id = $1 AND s.user_id = $2 AND s.token = $3
		AND ($4::text = '' OR s.client = $4)
	`, " FOR UPDATE OF s", sub.ContextID, sub.UserID, sub.Token, sub.Client)
	if err != nil {
		return nil, storageErr("select subscription", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(subs))
	for i, r := range subs {
		ids[i] = r.ID
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+t.subs+` WHERE id = ANY($1)`, ids); err != nil {
		return nil, storageErr("delete subscription", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("commit unregister", err)
	}
	return subs[0], nil
}

// RemoveExpired deletes one subscription by id, provided it is still expired.
func (s *Store) RemoveExpired(ctx context.Context, contextID int, id uuid.UUID, now time.Time) (*subscription.Subscription, error) {
	t := s.tables(contextID)

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, storageErr("begin remove expired", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	subs, err := querySubscriptions(ctx, tx, t,
		`s.id = $1 AND s.expires IS NOT NULL AND s.expires < $2`,
		" FOR UPDATE OF s", id, now)
	if err != nil {
		return nil, storageErr("select expired subscription", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+t.subs+` WHERE id = $1`, id); err != nil {
		return nil, storageErr("delete expired subscription", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("commit remove expired", err)
	}
	return subs[0], nil
}

// RemoveByTokenAndTransport deletes the token from every partition. Each
// partition commits on its own; on failure the count covers the partitions
// already done.
func (s *Store) RemoveByTokenAndTransport(ctx context.Context, token, transportID string) (int, error) {
	total := 0
	for _, schema := range s.partitions.Schemas() {
		n, err := s.removeToken(ctx, tablesFor(schema), token, transportID)
		if err != nil {
			return total, storageErr(fmt.Sprintf("remove token in %s", schema), err)
		}
		total += n
	}
	return total, nil
}

func (s *Store) removeToken(ctx context.Context, t tables, token, transportID string) (int, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM `+t.subs+` WHERE token = $1 AND transport = $2`, token, transportID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UpdateToken replaces the token of the subscription identified by sub. The
// new token must not already belong to another registration of the client.
func (s *Store) UpdateToken(ctx context.Context, sub *subscription.Subscription, newToken string) (bool, error) {
	t := s.tables(sub.ContextID)

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return false, storageErr("begin update token", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id        uuid.UUID
		transport string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, transport FROM `+t.subs+`
		WHERE context_id = $1 AND user_id = $2 AND token = $3 AND client = $4
		FOR UPDATE
	`, sub.ContextID, sub.UserID, sub.Token, sub.Client).Scan(&id, &transport)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("select subscription", err)
	}

	if newToken != sub.Token {
		if err := lockToken(ctx, tx, newToken, transport, sub.Client); err != nil {
			return false, storageErr("lock token", err)
		}
		_, _, found, err := s.findOwner(ctx, tx, newToken, transport, sub.Client, sub.ContextID, sub.UserID)
		if err != nil {
			return false, storageErr("check token owner", err)
		}
		if found {
			return false, tokenInUse(sub)
		}
	}

	_, err = tx.Exec(ctx, `UPDATE `+t.subs+` SET token = $1, last_modified = now() WHERE id = $2`, newToken, id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, tokenInUse(sub)
		}
		return false, storageErr("update token", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, storageErr("commit update token", err)
	}
	return true, nil
}

func tokenInUse(sub *subscription.Subscription) error {
	return fmt.Errorf("update token for user %d in context %d: %w", sub.UserID, sub.ContextID, subscription.ErrTokenInUse)
}

// HasInterestedSubscriptions answers with a single existence query.
func (s *Store) HasInterestedSubscriptions(ctx context.Context, client string, userID, contextID int, topic string) (bool, error) {
	t := s.tables(contextID)

	var exists bool
	err := s.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM `+t.subs+` s
			WHERE s.context_id = $1 AND s.user_id = $2
			  AND ($3::text = '' OR s.client = $3)
			  AND (s.expires IS NULL OR s.expires >= now())
			  AND (
				s.all_flag
				OR EXISTS (SELECT 1 FROM `+t.exact+` e WHERE e.id = s.id AND e.topic = $4)
				OR EXISTS (SELECT 1 FROM `+t.prefix+` p WHERE p.id = s.id AND starts_with($4, p.prefix))
			  )
		)
	`, contextID, userID, client, topic).Scan(&exists)
	if err != nil {
		return false, storageErr("has interested subscriptions", err)
	}
	return exists, nil
}

// GetInterestedSubscriptions queries all users in one round trip. Rows come
// back ordered so that the first row per subscription carries the preferred
// match: all-flag, then exact, then the longest prefix.
func (s *Store) GetInterestedSubscriptions(ctx context.Context, client string, userIDs []int, contextID int, topic string) (subscription.MatchGroups, error) {
	groups := subscription.MatchGroups{}
	if len(userIDs) == 0 {
		return groups, nil
	}
	t := s.tables(contextID)

	rows, err := s.db.Pool().Query(ctx, `
		SELECT s.id, s.user_id, s.client, s.transport, s.token, s.last_modified, s.expires,
			CASE
				WHEN s.all_flag THEN '*'
				WHEN e.topic IS NOT NULL THEN e.topic
				ELSE p.prefix || '*'
			END
		FROM `+t.subs+` s
		LEFT JOIN `+t.exact+` e ON e.id = s.id AND e.topic = $3
		LEFT JOIN `+t.prefix+` p ON p.id = s.id AND starts_with($3, p.prefix)
		WHERE s.context_id = $1 AND s.user_id = ANY($2)
		  AND ($4::text = '' OR s.client = $4)
		  AND (s.all_flag OR e.topic IS NOT NULL OR p.prefix IS NOT NULL)
		ORDER BY s.id, length(p.prefix) DESC NULLS LAST
	`, contextID, userIDs, topic, client)
	if err != nil {
		return nil, storageErr("get interested subscriptions", err)
	}
	defer rows.Close()

	var last uuid.UUID
	for rows.Next() {
		m := subscription.PushMatch{ContextID: contextID}
		if err := rows.Scan(
			&m.SubscriptionID, &m.UserID, &m.Client, &m.TransportID, &m.Token,
			&m.LastModified, &m.Expires, &m.Topic,
		); err != nil {
			return nil, storageErr("scan match", err)
		}
		if m.SubscriptionID == last {
			continue
		}
		last = m.SubscriptionID
		groups.Add(m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate matches", err)
	}
	return groups, nil
}

// LoadSubscriptionsFor returns every subscription of the user with its topics.
func (s *Store) LoadSubscriptionsFor(ctx context.Context, userID, contextID int) ([]*subscription.Subscription, error) {
	subs, err := querySubscriptions(ctx, s.db.Pool(), s.tables(contextID),
		`s.context_id = $1 AND s.user_id = $2`, "", contextID, userID)
	if err != nil {
		return nil, storageErr("load subscriptions", err)
	}
	return subs, nil
}

// querySubscriptions selects subscriptions matching where and folds the
// topic rows back into each one. Results are ordered by id.
func querySubscriptions(ctx context.Context, q dbtx, t tables, where, suffix string, args ...any) ([]*subscription.Subscription, error) {
	rows, err := q.Query(ctx, `
		SELECT s.id, s.context_id, s.user_id, s.token, s.client, s.transport,
			s.all_flag, s.last_modified, s.expires, tp.topic
		FROM `+t.subs+` s
		LEFT JOIN (
			SELECT id, topic FROM `+t.exact+`
			UNION ALL
			SELECT id, prefix || '*' FROM `+t.prefix+`
		) tp ON tp.id = s.id
		WHERE `+where+`
		ORDER BY s.id, tp.topic`+suffix, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*subscription.Subscription
	for rows.Next() {
		var (
			r       subscription.Subscription
			allFlag bool
			topic   *string
		)
		if err := rows.Scan(
			&r.ID, &r.ContextID, &r.UserID, &r.Token, &r.Client, &r.TransportID,
			&allFlag, &r.LastModified, &r.Expires, &topic,
		); err != nil {
			return nil, err
		}

		var cur *subscription.Subscription
		if n := len(subs); n > 0 && subs[n-1].ID == r.ID {
			cur = subs[n-1]
		} else {
			cur = &r
			if allFlag {
				cur.Topics = []string{subscription.AllTopics}
			}
			subs = append(subs, cur)
		}
		if topic != nil {
			cur.Topics = append(cur.Topics, *topic)
		}
	}
	return subs, rows.Err()
}
