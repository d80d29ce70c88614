package audit

import (
	"context"
)

// Recorder is the interface for appending and querying delivery
// attempt records. Implementations must accept concurrent appends from
// multiple in-flight deliveries without serializing unrelated ones.
type Recorder interface {
	// Record appends one delivery attempt record.
	Record(ctx context.Context, attempt *DeliveryAttempt) error

	// ListByWebhook returns the most recent attempts for a webhook,
	// newest first.
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error)

	// Close flushes and releases the recorder.
	Close() error
}

// NopRecorder discards all records. Used when auditing is disabled and
// in tests.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, attempt *DeliveryAttempt) error {
	return nil
}

func (NopRecorder) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error) {
	return nil, nil
}

func (NopRecorder) Close() error {
	return nil
}
