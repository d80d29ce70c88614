package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// FileRecorder appends delivery attempts as JSON lines to a file. It
// is meant for lightweight deployments without PostgreSQL; queries
// scan the whole file and should not be used at volume.
type FileRecorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewFileRecorder opens (or creates) the audit file in append mode.
func NewFileRecorder(path string) (*FileRecorder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	return &FileRecorder{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
	}, nil
}

// Record appends one delivery attempt record as a JSON line.
func (r *FileRecorder) Record(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery attempt: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write delivery attempt: %w", err)
	}
	if err := r.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write delivery attempt: %w", err)
	}
	return r.writer.Flush()
}

// ListByWebhook scans the audit file for a webhook's attempts, newest
// first.
func (r *FileRecorder) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	if err := r.writer.Flush(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var attempts []*DeliveryAttempt
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var attempt DeliveryAttempt
		if err := json.Unmarshal(scanner.Bytes(), &attempt); err != nil {
			continue // skip corrupt lines
		}
		if attempt.WebhookID == webhookID {
			attempts = append(attempts, &attempt)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan audit file: %w", err)
	}

	// Newest first.
	for i, j := 0, len(attempts)-1; i < j; i, j = i+1, j-1 {
		attempts[i], attempts[j] = attempts[j], attempts[i]
	}
	if len(attempts) > limit {
		attempts = attempts[:limit]
	}

	return attempts, nil
}

// Close flushes buffered records and closes the file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writer.Flush(); err != nil {
		return err
	}
	return r.file.Close()
}
