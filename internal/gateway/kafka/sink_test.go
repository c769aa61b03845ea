package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"arena/internal/events"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *memWriter) snapshot() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestSink_ForwardsFilteredEvents(t *testing.T) {
	bus := events.NewBus(events.BusParams{})
	w := &memWriter{}
	sink := newSink(w, "arena.events", 2, 10*time.Millisecond, events.Filter{Families: []string{"trade"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, bus) }()
	require.Eventually(t, func() bool { return bus.SubscriberCount("") > 0 }, time.Second, time.Millisecond)

	bus.Publish(events.Event{Type: events.TradeOrderAccepted, ProfileID: "alpha"})
	bus.Publish(events.Event{Type: events.ChatAssistantChunk, ProfileID: "alpha"})
	bus.Publish(events.Event{Type: events.TradeDecision})

	require.Eventually(t, func() bool { return len(w.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msgs := w.snapshot()
	assert.Equal(t, "alpha", string(msgs[0].Key))
	assert.Equal(t, "_global", string(msgs[1].Key))
	assert.Equal(t, "event_type", msgs[0].Headers[0].Key)
	var ev events.Event
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, events.TradeOrderAccepted, ev.Type)
	assert.True(t, w.closed)
}

func TestNewSink_Validation(t *testing.T) {
	_, err := NewSink(Config{Topic: "t"}, events.Filter{})
	assert.Error(t, err)
	_, err = NewSink(Config{Brokers: []string{"localhost:9092"}}, events.Filter{})
	assert.Error(t, err)
	s, err := NewSink(Config{Brokers: []string{"localhost:9092"}, Topic: "t"}, events.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 100, s.batchSize)
}
