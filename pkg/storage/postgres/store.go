// Package postgres implements the webhook store on PostgreSQL with an
// optional Redis cache layer.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/chainhook/chainhook/pkg/storage"
	"github.com/chainhook/chainhook/pkg/webhooks"
)

const schema = `
CREATE TABLE IF NOT EXISTS webhooks (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	event_types JSONB NOT NULL,
	contract_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL,
	headers JSONB NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhooks_active ON webhooks (is_active);
`

// Store is the PostgreSQL-backed webhook store.
type Store struct {
	db *sql.DB
}

// NewStore opens a connection pool, verifies connectivity and ensures
// the schema exists.
func NewStore(postgresURL string, maxConns int) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(1 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithDB wraps an existing connection pool. Used by tests.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure webhooks schema: %w", err)
	}
	return nil
}

// CreateWebhook inserts a new subscription, assigning an ID and
// timestamps when absent.
func (s *Store) CreateWebhook(ctx context.Context, sub *webhooks.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	eventTypes, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal event types: %w", err)
	}
	headers, err := json.Marshal(sub.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
		INSERT INTO webhooks (id, url, event_types, contract_id, description, secret, headers, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		sub.ID, sub.URL, eventTypes, sub.ContractID, sub.Description,
		sub.Secret, headers, sub.Active, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	return nil
}

// GetWebhook fetches one subscription by ID, active or not.
func (s *Store) GetWebhook(ctx context.Context, id string) (*webhooks.Subscription, error) {
	query := `
		SELECT id, url, event_types, contract_id, description, secret, headers, is_active, created_at, updated_at
		FROM webhooks
		WHERE id = $1
	`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	return sub, nil
}

// ListActiveWebhooks returns every active subscription.
func (s *Store) ListActiveWebhooks(ctx context.Context) ([]*webhooks.Subscription, error) {
	query := `
		SELECT id, url, event_types, contract_id, description, secret, headers, is_active, created_at, updated_at
		FROM webhooks
		WHERE is_active = TRUE
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var subs []*webhooks.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	return subs, nil
}

// DeactivateWebhook soft-deletes a subscription. The row and its
// delivery history remain queryable.
func (s *Store) DeactivateWebhook(ctx context.Context, id string) error {
	query := `UPDATE webhooks SET is_active = FALSE, updated_at = $2 WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DB exposes the connection pool so the audit recorder can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*webhooks.Subscription, error) {
	var sub webhooks.Subscription
	var eventTypes, headers []byte

	err := row.Scan(
		&sub.ID, &sub.URL, &eventTypes, &sub.ContractID, &sub.Description,
		&sub.Secret, &headers, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventTypes, &sub.EventTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event types: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &sub.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
	}
	return &sub, nil
}
