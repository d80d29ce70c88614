package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/chainhook/chainhook/pkg/events"
)

// DBRecorder persists delivery attempts to PostgreSQL. Appends from
// concurrent deliveries go through the database/sql pool; there is no
// process-level lock.
type DBRecorder struct {
	db *sql.DB
}

// NewDBRecorder creates a database-backed recorder and ensures the
// webhook_deliveries table exists.
func NewDBRecorder(db *sql.DB) (*DBRecorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	r := &DBRecorder{db: db}
	if err := r.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure webhook_deliveries table: %w", err)
	}
	return r, nil
}

func (r *DBRecorder) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		webhook_id TEXT NOT NULL,
		event JSONB NOT NULL,
		status VARCHAR(20) NOT NULL,
		attempt INTEGER NOT NULL,
		response_code INTEGER,
		response_body TEXT,
		error_message TEXT,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook_id ON webhook_deliveries(webhook_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status ON webhook_deliveries(status);
	`

	_, err := r.db.Exec(query)
	return err
}

// Record appends one delivery attempt record.
func (r *DBRecorder) Record(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	eventJSON, err := json.Marshal(attempt.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event snapshot: %w", err)
	}

	query := `
		INSERT INTO webhook_deliveries (
			id, webhook_id, event, status, attempt,
			response_code, response_body, error_message, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		attempt.ID, attempt.WebhookID, eventJSON, attempt.Status, attempt.Attempt,
		attempt.ResponseCode, nullableString(attempt.ResponseBody), nullableString(attempt.ErrorMessage), attempt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery attempt: %w", err)
	}

	return nil
}

// ListByWebhook returns the most recent attempts for a webhook, newest
// first.
func (r *DBRecorder) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, webhook_id, event, status, attempt,
		       response_code, response_body, error_message, timestamp
		FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		var (
			attempt      DeliveryAttempt
			eventJSON    []byte
			responseBody sql.NullString
			errorMessage sql.NullString
		)
		if err := rows.Scan(
			&attempt.ID, &attempt.WebhookID, &eventJSON, &attempt.Status, &attempt.Attempt,
			&attempt.ResponseCode, &responseBody, &errorMessage, &attempt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}

		var event events.Event
		if err := json.Unmarshal(eventJSON, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event snapshot: %w", err)
		}
		attempt.Event = event
		attempt.ResponseBody = responseBody.String
		attempt.ErrorMessage = errorMessage.String

		attempts = append(attempts, &attempt)
	}

	return attempts, rows.Err()
}

// Close is a no-op; the recorder does not own the database handle.
func (r *DBRecorder) Close() error {
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
