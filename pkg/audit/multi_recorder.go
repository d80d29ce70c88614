package audit

import (
	"context"
	"fmt"
)

// MultiRecorder fans each record out to several recorders, e.g. a
// database recorder plus a file recorder for local inspection. Queries
// are served by the first recorder.
type MultiRecorder struct {
	recorders []Recorder
}

// NewMultiRecorder creates a recorder that writes to all given
// recorders.
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

// Record appends the attempt to every recorder. All recorders are
// attempted even when one fails; the first error is returned.
func (m *MultiRecorder) Record(ctx context.Context, attempt *DeliveryAttempt) error {
	var firstErr error
	for _, r := range m.recorders {
		if err := r.Record(ctx, attempt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ListByWebhook queries the first recorder.
func (m *MultiRecorder) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error) {
	if len(m.recorders) == 0 {
		return nil, fmt.Errorf("no recorders configured")
	}
	return m.recorders[0].ListByWebhook(ctx, webhookID, limit)
}

// Close closes every recorder, returning the first error.
func (m *MultiRecorder) Close() error {
	var firstErr error
	for _, r := range m.recorders {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
