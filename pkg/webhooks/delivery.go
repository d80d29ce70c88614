package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chainhook/chainhook/pkg/audit"
	"github.com/chainhook/chainhook/pkg/events"
	"github.com/chainhook/chainhook/pkg/observability"
)

// UserAgent identifies the pipeline in outbound delivery requests.
const UserAgent = "ChainHook-Webhook/1.0"

// DeliveryConfig configures the retry state machine.
type DeliveryConfig struct {
	// MaxRetries bounds the total number of attempts.
	MaxRetries int
	// BackoffBase sets the exponential backoff: attempt n+1 waits
	// BackoffBase^n seconds.
	BackoffBase int
	// Timeout is the hard per-attempt HTTP timeout.
	Timeout time.Duration
}

// DefaultDeliveryConfig returns the default retry configuration.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:  5,
		BackoffBase: 2,
		Timeout:     30 * time.Second,
	}
}

// DeliveryPayload is the envelope POSTed to webhook endpoints. The
// timestamp echoes the event's own timestamp, not wall-clock send
// time.
type DeliveryPayload struct {
	Event     *events.Event `json:"event"`
	WebhookID string        `json:"webhook_id"`
	Timestamp time.Time     `json:"timestamp"`
}

// Deliverer performs one subscription's delivery of one event with
// bounded retry, exponential backoff, and HMAC signing. It always
// terminates in bounded time and never propagates errors past its
// boundary; every failure mode becomes an audit record.
type Deliverer struct {
	client   *http.Client
	config   DeliveryConfig
	recorder audit.Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics

	// sleep is replaceable in tests. It returns early when the
	// context is cancelled, which drains the remaining attempts
	// quickly through the state machine.
	sleep func(ctx context.Context, d time.Duration)
}

// NewDeliverer creates a delivery engine. The recorder receives one
// record per attempt; metrics may be nil.
func NewDeliverer(config DeliveryConfig, recorder audit.Recorder, logger *observability.Logger, metrics *observability.Metrics) *Deliverer {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.BackoffBase < 1 {
		config.BackoffBase = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}

	return &Deliverer{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config:   config,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// isSuccessStatus classifies the HTTP statuses that count as a
// delivered webhook. Everything else, including redirects, is a
// retryable failure.
func isSuccessStatus(code int) bool {
	switch code {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return true
	}
	return false
}

// backoffDelay returns the wait before attempt n+1.
func (d *Deliverer) backoffDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(float64(d.config.BackoffBase), float64(attempt))) * time.Second
}

// Deliver runs the retry state machine for one subscription and one
// event. It returns true when an attempt succeeded, false when the
// attempt budget was exhausted. Every attempt is recorded.
func (d *Deliverer) Deliver(ctx context.Context, sub *Subscription, event *events.Event) bool {
	logger := d.logger.WithFields(map[string]interface{}{
		"webhook_id": sub.ID,
		"url":        sub.URL,
		"event_type": event.EventType,
	})

	payload := DeliveryPayload{
		Event:     event,
		WebhookID: sub.ID,
		Timestamp: event.Timestamp,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		// Event data came from JSON, so this indicates a programming
		// error; record it as a terminal failure rather than panic.
		d.record(ctx, sub, event, audit.StatusFailed, 1, nil, "", fmt.Sprintf("failed to marshal payload: %v", err))
		logger.WithError(err).Error("Failed to marshal delivery payload")
		return false
	}

	signature, err := SignPayload(body, sub.Secret)
	if err != nil {
		d.record(ctx, sub, event, audit.StatusFailed, 1, nil, "", fmt.Sprintf("failed to sign payload: %v", err))
		logger.WithError(err).Error("Failed to sign delivery payload")
		return false
	}

	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		start := time.Now()
		code, respBody, attemptErr := d.attempt(ctx, sub, body, signature)
		duration := time.Since(start)

		if attemptErr == nil && isSuccessStatus(code) {
			d.record(ctx, sub, event, audit.StatusSuccess, attempt, &code, respBody, "")
			d.observeAttempt(audit.StatusSuccess, duration)
			logger.Infof("Webhook delivered (attempt %d): %d", attempt, code)
			if d.metrics != nil {
				d.metrics.DeliveriesTotal.WithLabelValues(string(audit.StatusSuccess)).Inc()
			}
			return true
		}

		status := audit.StatusRetrying
		if attempt == d.config.MaxRetries {
			status = audit.StatusFailed
		}

		var codePtr *int
		errMsg := ""
		switch {
		case attemptErr == nil:
			codePtr = &code
			errMsg = fmt.Sprintf("HTTP %d", code)
			logger.Warnf("Webhook delivery failed (attempt %d): %d", attempt, code)
		case isTimeout(attemptErr):
			errMsg = fmt.Sprintf("Timeout: %v", attemptErr)
			logger.WithError(attemptErr).Errorf("Webhook timeout (attempt %d)", attempt)
		default:
			errMsg = attemptErr.Error()
			logger.WithError(attemptErr).Errorf("Webhook delivery error (attempt %d)", attempt)
		}

		d.record(ctx, sub, event, status, attempt, codePtr, respBody, errMsg)
		d.observeAttempt(status, duration)

		if attempt < d.config.MaxRetries {
			d.sleep(ctx, d.backoffDelay(attempt))
		}
	}

	logger.Errorf("Failed to deliver webhook after %d attempts", d.config.MaxRetries)
	if d.metrics != nil {
		d.metrics.DeliveriesTotal.WithLabelValues(string(audit.StatusFailed)).Inc()
	}
	return false
}

// attempt performs one signed HTTP POST with the per-attempt timeout.
func (d *Deliverer) attempt(ctx context.Context, sub *Subscription, body []byte, signature string) (int, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	// Subscription headers may override the fixed ones, but never the
	// signature header.
	for key, value := range sub.Headers {
		if http.CanonicalHeaderKey(key) == SignatureHeader {
			continue
		}
		req.Header.Set(key, value)
	}
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, audit.MaxResponseBodyLen))
	return resp.StatusCode, string(respBody), nil
}

func (d *Deliverer) record(ctx context.Context, sub *Subscription, event *events.Event, status audit.Status, attempt int, code *int, respBody, errMsg string) {
	rec := &audit.DeliveryAttempt{
		WebhookID:    sub.ID,
		Event:        *event,
		Status:       status,
		Attempt:      attempt,
		ResponseCode: code,
		ResponseBody: audit.TruncateBody(respBody),
		ErrorMessage: errMsg,
		Timestamp:    time.Now(),
	}
	// The audit trail must survive delivery cancellation: shutdown
	// cancels in-flight deliveries, but every attempt still gets its
	// record written.
	if err := d.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.WithError(err).WithField("webhook_id", sub.ID).Error("Failed to record delivery attempt")
	}
}

func (d *Deliverer) observeAttempt(status audit.Status, duration time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.DeliveryAttemptsTotal.WithLabelValues(string(status)).Inc()
	d.metrics.DeliveryDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
