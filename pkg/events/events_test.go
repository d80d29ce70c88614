package events

import (
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	t.Run("valid event", func(t *testing.T) {
		body := []byte(`{"contract_id":"ethereum-0xabc","event_type":"Transfer","data":{"from":"0x1","to":"0x2","value":"100"},"timestamp":"2024-06-01T12:00:00Z"}`)

		event, err := Decode(body)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if event.ContractID != "ethereum-0xabc" {
			t.Errorf("Expected contract_id ethereum-0xabc, got %s", event.ContractID)
		}
		if event.EventType != "Transfer" {
			t.Errorf("Expected event_type Transfer, got %s", event.EventType)
		}
		if event.Data["value"] != "100" {
			t.Errorf("Expected data.value 100, got %v", event.Data["value"])
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := Decode([]byte("not json at all"))
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Expected ErrMalformedMessage, got %v", err)
		}
	})

	t.Run("missing contract_id", func(t *testing.T) {
		_, err := Decode([]byte(`{"event_type":"Transfer","data":{}}`))
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Expected ErrMalformedMessage, got %v", err)
		}
	})

	t.Run("missing event_type", func(t *testing.T) {
		_, err := Decode([]byte(`{"contract_id":"bitcoin-addr","data":{}}`))
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Expected ErrMalformedMessage, got %v", err)
		}
	})

	t.Run("data shape is not inspected", func(t *testing.T) {
		body := []byte(`{"contract_id":"solana-xyz","event_type":"Transaction","data":{"nested":{"deeply":[1,2,3]}},"timestamp":"2024-06-01T12:00:00Z"}`)
		event, err := Decode(body)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if event.Data == nil {
			t.Error("Expected data to pass through")
		}
	})
}

func TestEvent_MarshalRoundTrip(t *testing.T) {
	event := &Event{
		ContractID: "ethereum-0xabc",
		EventType:  "Transfer",
		Data:       map[string]interface{}{"value": "42"},
		Timestamp:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	body, err := event.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("Expected timestamp %v, got %v", event.Timestamp, decoded.Timestamp)
	}
}
