package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainhook/chainhook/pkg/audit"
)

type fakeAcknowledger struct {
	acks    int32
	nacks   int32
	requeue int32
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	atomic.AddInt32(&f.acks, 1)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	atomic.AddInt32(&f.nacks, 1)
	if requeue {
		atomic.AddInt32(&f.requeue, 1)
	}
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakeConsumer struct {
	channels   []chan amqp.Delivery
	idx        int
	connects   int32
	connectErr error
}

func (f *fakeConsumer) Connect(ctx context.Context) error {
	atomic.AddInt32(&f.connects, 1)
	return f.connectErr
}

func (f *fakeConsumer) Consume() (<-chan amqp.Delivery, error) {
	if f.idx >= len(f.channels) {
		return nil, errors.New("no channel")
	}
	ch := f.channels[f.idx]
	f.idx++
	return ch, nil
}

type staticSource struct {
	subs []*Subscription
	err  error
}

func (s *staticSource) ListActive(ctx context.Context, eventType, contractID string) ([]*Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	var matched []*Subscription
	for _, sub := range s.subs {
		if sub.Matches(eventType, contractID) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func newTestDispatcher(consumer Consumer, source SubscriptionSource, recorder audit.Recorder) *Dispatcher {
	config := DefaultDeliveryConfig()
	config.MaxRetries = 1
	d := NewDeliverer(config, recorder, testLogger(), nil)
	d.sleep = func(ctx context.Context, wait time.Duration) {}
	return NewDispatcher(consumer, source, d, testLogger(), nil)
}

func eventBody(t *testing.T) []byte {
	t.Helper()
	body, err := testEvent().Marshal()
	require.NoError(t, err)
	return body
}

func TestDispatcherAcksAfterFanout(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := &staticSource{subs: []*Subscription{
		{ID: "sub-1", URL: server.URL, EventTypes: []string{"Transfer"}, Secret: "s1", Active: true},
		{ID: "sub-2", URL: server.URL, EventTypes: []string{"Transfer"}, Secret: "s2", Active: true},
		{ID: "sub-3", URL: server.URL, EventTypes: []string{"Approval"}, Secret: "s3", Active: true},
	}}

	recorder := audit.NewMemoryRecorder()
	d := newTestDispatcher(&fakeConsumer{}, source, recorder)

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         eventBody(t),
	})

	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "only matching subscriptions receive the event")
	assert.Equal(t, int32(1), atomic.LoadInt32(&ack.acks))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ack.nacks))
	assert.Len(t, recorder.All(), 2)
}

func TestDispatcherAcksEvenWhenDeliveriesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	source := &staticSource{subs: []*Subscription{
		{ID: "sub-1", URL: server.URL, EventTypes: []string{"Transfer"}, Secret: "s1", Active: true},
	}}

	recorder := audit.NewMemoryRecorder()
	d := newTestDispatcher(&fakeConsumer{}, source, recorder)

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         eventBody(t),
	})

	// Delivery failure is a terminal outcome recorded in the audit
	// log; the ingress message is still acked.
	assert.Equal(t, int32(1), atomic.LoadInt32(&ack.acks))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ack.nacks))

	records := recorder.All()
	require.Len(t, records, 1)
	assert.Equal(t, audit.StatusFailed, records[0].Status)
}

func TestDispatcherAcksWhenNoSubscriptionsMatch(t *testing.T) {
	d := newTestDispatcher(&fakeConsumer{}, &staticSource{}, audit.NewMemoryRecorder())

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         eventBody(t),
	})

	assert.Equal(t, int32(1), atomic.LoadInt32(&ack.acks))
}

func TestDispatcherNacksMalformedMessage(t *testing.T) {
	d := newTestDispatcher(&fakeConsumer{}, &staticSource{}, audit.NewMemoryRecorder())

	bodies := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"contract_id":"0xabc"}`),
		[]byte(`{"event_type":"Transfer"}`),
	}

	for _, body := range bodies {
		ack := &fakeAcknowledger{}
		d.handle(context.Background(), amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  1,
			Body:         body,
		})

		assert.Equal(t, int32(0), atomic.LoadInt32(&ack.acks), "malformed message %q must not be acked", body)
		assert.Equal(t, int32(1), atomic.LoadInt32(&ack.nacks))
		assert.Equal(t, int32(0), atomic.LoadInt32(&ack.requeue), "malformed messages dead-letter, never requeue")
	}
}

func TestDispatcherNacksOnStoreFailure(t *testing.T) {
	source := &staticSource{err: fmt.Errorf("store unavailable")}
	d := newTestDispatcher(&fakeConsumer{}, source, audit.NewMemoryRecorder())

	ack := &fakeAcknowledger{}
	d.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         eventBody(t),
	})

	assert.Equal(t, int32(0), atomic.LoadInt32(&ack.acks))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ack.nacks))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ack.requeue))
}

func TestDispatcherRunStopsOnContextCancel(t *testing.T) {
	ch := make(chan amqp.Delivery)
	consumer := &fakeConsumer{channels: []chan amqp.Delivery{ch}}
	d := newTestDispatcher(consumer, &staticSource{}, audit.NewMemoryRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestDispatcherRunReconnectsOnClosedChannel(t *testing.T) {
	first := make(chan amqp.Delivery)
	close(first)
	consumer := &fakeConsumer{
		channels:   []chan amqp.Delivery{first},
		connectErr: errors.New("broker unreachable"),
	}
	d := newTestDispatcher(consumer, &staticSource{}, audit.NewMemoryRecorder())

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect")
	assert.Equal(t, int32(1), atomic.LoadInt32(&consumer.connects))
}

func TestDispatcherRunProcessesMessages(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := make(chan amqp.Delivery, 1)
	consumer := &fakeConsumer{channels: []chan amqp.Delivery{ch}}
	source := &staticSource{subs: []*Subscription{
		{ID: "sub-1", URL: server.URL, EventTypes: []string{"Transfer"}, Secret: "s1", Active: true},
	}}
	d := newTestDispatcher(consumer, source, audit.NewMemoryRecorder())

	ack := &fakeAcknowledger{}
	ch <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: eventBody(t)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ack.acks) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
