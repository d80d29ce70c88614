// publish-event publishes a blockchain event to the events exchange.
// Useful for local testing and backfills.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chainhook/chainhook/pkg/broker"
	"github.com/chainhook/chainhook/pkg/events"
	"github.com/chainhook/chainhook/pkg/observability"
)

func main() {
	amqpURL := flag.String("amqp-url", os.Getenv("CHAINHOOK_AMQP_URL"), "AMQP connection URL")
	contractID := flag.String("contract", "", "Contract identifier (required)")
	eventType := flag.String("type", "", "Event type, e.g. Transfer (required)")
	data := flag.String("data", "{}", "Event data as a JSON object")
	timeout := flag.Duration("timeout", 30*time.Second, "Publish timeout")
	flag.Parse()

	if err := run(*amqpURL, *contractID, *eventType, *data, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "publish-event: %v\n", err)
		os.Exit(1)
	}
}

func run(amqpURL, contractID, eventType, data string, timeout time.Duration) error {
	if amqpURL == "" {
		return fmt.Errorf("AMQP URL is required (flag -amqp-url or CHAINHOOK_AMQP_URL)")
	}
	if contractID == "" || eventType == "" {
		return fmt.Errorf("both -contract and -type are required")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return fmt.Errorf("invalid -data JSON: %w", err)
	}

	event := &events.Event{
		ContractID: contractID,
		EventType:  eventType,
		Data:       payload,
		Timestamp:  time.Now().UTC(),
	}
	if err := event.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := broker.NewClient(broker.Config{
		URL:            amqpURL,
		ConnectRetries: 3,
		ConnectDelay:   2 * time.Second,
	}, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.Publish(ctx, event); err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"contract_id": contractID,
		"event_type":  eventType,
	}).Info("Event published")
	return nil
}
