// Package events defines the normalized event that flows through the
// ChainHook pipeline. Producers for each chain emit Events; the broker
// carries them as JSON; the dispatcher and delivery engine treat the
// Data payload as opaque.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedMessage indicates a message body that cannot be decoded
// as a valid Event. Such messages are rejected to the dead-letter path.
var ErrMalformedMessage = errors.New("malformed event message")

// Event is the normalized unit flowing through the pipeline.
// ContractID and EventType are the only fields the pipeline inspects;
// Data passes through untyped.
type Event struct {
	ContractID string                 `json:"contract_id"`
	EventType  string                 `json:"event_type"`
	Data       map[string]interface{} `json:"data"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Validate checks the invariants every Event must satisfy before it
// enters the pipeline.
func (e *Event) Validate() error {
	if e.ContractID == "" {
		return fmt.Errorf("%w: contract_id is required", ErrMalformedMessage)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrMalformedMessage)
	}
	return nil
}

// Marshal serializes the event as the UTF-8 JSON wire form.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a broker message body into an Event and validates it.
// Any failure is reported as ErrMalformedMessage so callers can route
// the message to the dead-letter path without requeueing.
func Decode(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}
