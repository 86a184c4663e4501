package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

// Migration returns the subscription schema for one partition. Table names
// are qualified with the schema so the same set applies to every partition.
func Migration(schema string) *migrate.MemoryMigrationSource {
	t := tablesFor(schema)
	return &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "push_subscription_1",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS ` + t.subs + ` (
						id            UUID PRIMARY KEY,
						context_id    INTEGER NOT NULL,
						user_id       INTEGER NOT NULL,
						token         VARCHAR(255) NOT NULL,
						client        VARCHAR(64) NOT NULL,
						transport     VARCHAR(32) NOT NULL,
						all_flag      BOOLEAN NOT NULL DEFAULT FALSE,
						last_modified TIMESTAMPTZ NOT NULL DEFAULT now(),
						expires       TIMESTAMPTZ,
						UNIQUE (context_id, user_id, token, client),
						UNIQUE (token, transport, client)
					)`,
					`CREATE INDEX IF NOT EXISTS push_subscription_user_idx ON ` + t.subs + ` (context_id, user_id)`,
					`CREATE TABLE IF NOT EXISTS ` + t.exact + ` (
						id    UUID NOT NULL REFERENCES ` + t.subs + ` (id) ON DELETE CASCADE,
						topic VARCHAR(255) NOT NULL,
						PRIMARY KEY (id, topic)
					)`,
					`CREATE INDEX IF NOT EXISTS push_subscription_topic_exact_topic_idx ON ` + t.exact + ` (topic)`,
					`CREATE TABLE IF NOT EXISTS ` + t.prefix + ` (
						id     UUID NOT NULL REFERENCES ` + t.subs + ` (id) ON DELETE CASCADE,
						prefix VARCHAR(255) NOT NULL,
						PRIMARY KEY (id, prefix)
					)`,
					`CREATE INDEX IF NOT EXISTS push_subscription_topic_prefix_prefix_idx ON ` + t.prefix + ` (prefix text_pattern_ops)`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS ` + t.prefix,
					`DROP TABLE IF EXISTS ` + t.exact,
					`DROP TABLE IF EXISTS ` + t.subs,
				},
			},
		},
	}
}

// Migrate creates every partition schema and applies pending migrations to
// it. It returns the total number of migrations applied.
func Migrate(ctx context.Context, db *DB, partitions Partitions) (int, error) {
	sqlDB := stdlib.OpenDBFromPool(db.Pool())
	defer sqlDB.Close()

	total := 0
	for _, schema := range partitions.Schemas() {
		if _, err := db.Pool().Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
			return total, fmt.Errorf("create schema %s: %w", schema, err)
		}

		set := migrate.MigrationSet{SchemaName: schema}
		n, err := set.Exec(sqlDB, "postgres", Migration(schema), migrate.Up)
		if err != nil {
			return total, fmt.Errorf("migrate schema %s: %w", schema, err)
		}
		total += n

		db.logger.Info("schema migrated",
			zap.String("schema", schema),
			zap.Int("applied", n),
		)
	}
	return total, nil
}
