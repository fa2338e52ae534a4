package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ws_subscriptions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	channel         TEXT NOT NULL,
	status          TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	filter          TEXT NOT NULL DEFAULT '',
	rate_limit      INTEGER NOT NULL DEFAULT 100,
	message_count   BIGINT NOT NULL DEFAULT 0,
	last_message_at TIMESTAMPTZ NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NULL,
	CONSTRAINT ws_subscriptions_user_channel_key UNIQUE (user_id, channel)
);
CREATE INDEX IF NOT EXISTS ws_subscriptions_channel_status_idx ON ws_subscriptions (channel, status);
CREATE INDEX IF NOT EXISTS ws_subscriptions_expires_at_idx ON ws_subscriptions (expires_at) WHERE expires_at IS NOT NULL;
`

const subscriptionColumns = `id, user_id, channel, status, priority, filter, rate_limit,
	message_count, last_message_at, created_at, updated_at, expires_at`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresBackend persists subscriptions in PostgreSQL through sqlx.
type PostgresBackend struct {
	db *sqlx.DB
}

// NewPostgresBackend connects with the lib/pq driver and verifies the connection.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresBackend{db: db}, nil
}

// NewPostgresBackendFromDB wraps an existing handle.
func NewPostgresBackendFromDB(db *sqlx.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Migrate creates the table and indexes when missing.
func (r *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate subscriptions schema: %w", err)
	}
	return nil
}

func (r *PostgresBackend) Get(ctx context.Context, userID, channel string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM ws_subscriptions WHERE user_id = $1 AND channel = $2`

	var sub Subscription
	if err := r.db.GetContext(ctx, &sub, query, userID, channel); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (r *PostgresBackend) Insert(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO ws_subscriptions (
			id, user_id, channel, status, priority, filter, rate_limit,
			message_count, last_message_at, created_at, updated_at, expires_at
		) VALUES (
			:id, :user_id, :channel, :status, :priority, :filter, :rate_limit,
			:message_count, :last_message_at, :created_at, :updated_at, :expires_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, sub); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (r *PostgresBackend) Update(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE ws_subscriptions SET
			status = :status, priority = :priority, filter = :filter, rate_limit = :rate_limit,
			message_count = :message_count, last_message_at = :last_message_at,
			updated_at = :updated_at, expires_at = :expires_at
		WHERE user_id = :user_id AND channel = :channel`

	result, err := r.db.NamedExecContext(ctx, query, sub)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresBackend) Delete(ctx context.Context, userID, channel string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM ws_subscriptions WHERE user_id = $1 AND channel = $2`, userID, channel)
	if err != nil {
		return false, fmt.Errorf("failed to delete subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresBackend) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM ws_subscriptions
		WHERE user_id = $1 ORDER BY priority DESC, channel ASC`

	var subs []*Subscription
	if err := r.db.SelectContext(ctx, &subs, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (r *PostgresBackend) ListActiveByChannel(ctx context.Context, channel string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM ws_subscriptions
		WHERE channel = $1 AND status = $2`

	var subs []*Subscription
	if err := r.db.SelectContext(ctx, &subs, query, channel, StatusActive); err != nil {
		return nil, fmt.Errorf("failed to list channel subscribers: %w", err)
	}
	return subs, nil
}

func (r *PostgresBackend) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ws_subscriptions WHERE user_id = $1 AND status = $2`, userID, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to count active subscriptions: %w", err)
	}
	return n, nil
}

func (r *PostgresBackend) IncrementMessages(ctx context.Context, userID, channel string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE ws_subscriptions
		SET message_count = message_count + 1, last_message_at = $3
		WHERE user_id = $1 AND channel = $2`, userID, channel, at)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresBackend) ExpireBefore(ctx context.Context, t time.Time) ([]string, error) {
	var users []string
	err := r.db.SelectContext(ctx, &users, `
		UPDATE ws_subscriptions
		SET status = $1, updated_at = $2
		WHERE expires_at IS NOT NULL AND expires_at < $2 AND status <> $1
		RETURNING user_id`, StatusExpired, t)
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	return users, nil
}

func (r *PostgresBackend) Stats(ctx context.Context) (Stats, error) {
	rows := []struct {
		Status   Status `db:"status"`
		Count    int    `db:"count"`
		Messages int64  `db:"messages"`
	}{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count, COALESCE(SUM(message_count), 0) AS messages
		FROM ws_subscriptions GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate subscription stats: %w", err)
	}

	var stats Stats
	for _, row := range rows {
		stats.Total += row.Count
		stats.TotalMessages += row.Messages
		switch row.Status {
		case StatusActive:
			stats.Active = row.Count
		case StatusPaused:
			stats.Paused = row.Count
		case StatusSuspended:
			stats.Suspended = row.Count
		case StatusExpired:
			stats.Expired = row.Count
		}
	}
	return stats, nil
}

func (r *PostgresBackend) Close() error {
	return r.db.Close()
}
