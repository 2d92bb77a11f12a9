package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// migrations are applied linearly and exactly once each, tracked in
// schema_migrations. Never reorder or edit an entry, only append.
var migrations = []struct {
	version int
	ddl     string
}{
	{1, `CREATE TABLE host (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		hostname    TEXT NOT NULL DEFAULT '',
		check_type  TEXT NOT NULL DEFAULT 'ping',
		config      TEXT NOT NULL DEFAULT '{}'
	)`},
	{2, `CREATE TABLE host_group (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`},
	{3, `CREATE TABLE host_group_member (
		host_id  TEXT NOT NULL REFERENCES host(id) ON DELETE CASCADE,
		group_id TEXT NOT NULL REFERENCES host_group(id) ON DELETE CASCADE,
		PRIMARY KEY (host_id, group_id)
	)`},
	{4, `CREATE TABLE service (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		description   TEXT NOT NULL DEFAULT '',
		service_type  TEXT NOT NULL,
		cron_schedule TEXT NOT NULL,
		extra_config  TEXT NOT NULL DEFAULT '{}'
	)`},
	{5, `CREATE TABLE service_group_link (
		service_id TEXT NOT NULL REFERENCES service(id) ON DELETE CASCADE,
		group_id   TEXT NOT NULL REFERENCES host_group(id) ON DELETE CASCADE,
		PRIMARY KEY (service_id, group_id)
	)`},
	{6, `CREATE TABLE service_check (
		id            TEXT PRIMARY KEY,
		host_id       TEXT NOT NULL REFERENCES host(id),
		service_id    TEXT NOT NULL REFERENCES service(id),
		status        TEXT NOT NULL DEFAULT 'pending',
		last_check    INTEGER NOT NULL DEFAULT 0,
		next_check    INTEGER NOT NULL DEFAULT 0,
		last_updated  INTEGER NOT NULL DEFAULT 0,
		interval_secs INTEGER NOT NULL DEFAULT 60,
		UNIQUE (host_id, service_id)
	)`},
	{7, `CREATE TABLE service_check_history (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		service_check_id TEXT NOT NULL,
		timestamp        INTEGER NOT NULL,
		status           TEXT NOT NULL,
		time_elapsed_ms  INTEGER NOT NULL,
		result_text      TEXT NOT NULL DEFAULT ''
	)`},
	{8, `CREATE TABLE user (
		id           TEXT PRIMARY KEY,
		username     TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL
	)`},
	{9, `CREATE TABLE session (
		id      TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES user(id) ON DELETE CASCADE,
		expiry  INTEGER NOT NULL,
		data    TEXT NOT NULL DEFAULT '{}'
	)`},
	{10, `CREATE INDEX idx_service_check_next ON service_check(next_check, last_check)`},
	{11, `CREATE INDEX idx_sch_check_ts ON service_check_history(service_check_id, timestamp)`},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`,
	); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.ddl); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				m.version, toMillis(nowUTC()),
			); err != nil {
				return fmt.Errorf("recording migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied++
	}

	if applied > 0 {
		logrus.WithField("applied", applied).Info("Applied schema migrations")
	}
	return nil
}
