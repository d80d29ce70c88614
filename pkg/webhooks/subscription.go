// Package webhooks implements the event distribution core: matching
// incoming events to registered webhook subscriptions, signed HTTP
// delivery with bounded retry and backoff, and the broker-facing
// dispatcher that drives fan-out.
package webhooks

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// Subscription is a registered webhook delivery target.
type Subscription struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	EventTypes  []string          `json:"event_types"`
	ContractID  string            `json:"contract_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Secret      string            `json:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks registration input.
func (s *Subscription) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(s.EventTypes) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	return nil
}

// Matches reports whether this subscription should receive an event
// with the given type and contract. Inactive subscriptions never
// match; a subscription with an empty ContractID accepts events from
// any contract.
func (s *Subscription) Matches(eventType, contractID string) bool {
	if !s.Active {
		return false
	}
	if s.ContractID != "" && s.ContractID != contractID {
		return false
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// NewSecret generates a per-subscription signing key. The secret is
// 32 bytes of entropy, url-safe encoded, and is never derivable from
// the subscription URL.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
