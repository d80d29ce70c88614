package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRecorder keeps records in memory. Intended for tests and for
// running the pipeline without persistence.
type MemoryRecorder struct {
	mu       sync.RWMutex
	attempts []*DeliveryAttempt
}

// NewMemoryRecorder creates an in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends one delivery attempt record.
func (m *MemoryRecorder) Record(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *attempt
	m.attempts = append(m.attempts, &copied)
	return nil
}

// ListByWebhook returns a webhook's attempts, newest first.
func (m *MemoryRecorder) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*DeliveryAttempt
	for i := len(m.attempts) - 1; i >= 0 && len(result) < limit; i-- {
		if m.attempts[i].WebhookID == webhookID {
			result = append(result, m.attempts[i])
		}
	}
	return result, nil
}

// All returns every record in append order.
func (m *MemoryRecorder) All() []*DeliveryAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*DeliveryAttempt, len(m.attempts))
	copy(result, m.attempts)
	return result
}

// Close is a no-op.
func (m *MemoryRecorder) Close() error {
	return nil
}
