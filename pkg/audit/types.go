// Package audit records one row per webhook delivery attempt. The
// delivery engine appends; the API's audit query surface reads.
package audit

import (
	"time"

	"github.com/chainhook/chainhook/pkg/events"
)

// Status represents the outcome of a single delivery attempt
type Status string

const (
	StatusSuccess  Status = "success"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
)

// MaxResponseBodyLen caps how much of an endpoint's response body is
// kept in the audit record.
const MaxResponseBodyLen = 1000

// DeliveryAttempt is one row per HTTP delivery attempt. Attempts for a
// delivery are numbered contiguously from 1; the final attempt is
// success or failed, never retrying.
type DeliveryAttempt struct {
	ID           string       `json:"id"`
	WebhookID    string       `json:"webhook_id"`
	Event        events.Event `json:"event"`
	Status       Status       `json:"status"`
	Attempt      int          `json:"attempt"`
	ResponseCode *int         `json:"response_code,omitempty"`
	ResponseBody string       `json:"response_body,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// TruncateBody trims a response body to MaxResponseBodyLen bytes.
func TruncateBody(body string) string {
	if len(body) > MaxResponseBodyLen {
		return body[:MaxResponseBodyLen]
	}
	return body
}
