package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(BusParams{QueueSize: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	fast, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: MarketUpdate, Data: map[string]any{"i": i}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	got := drain(slow)
	require.Len(t, got, 4)
	// drop-oldest: 保留最新的四条且顺序不变
	for i, e := range got {
		assert.Equal(t, 96+i, e.Data["i"])
	}
	assert.Equal(t, uint64(96), slow.Dropped())
	assert.Len(t, drain(fast), 4)
}

func TestPublish_DisconnectPolicy(t *testing.T) {
	bus := NewBus(BusParams{QueueSize: 2, Policy: Disconnect})
	sub, err := bus.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: BotStatus})
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not disconnected")
	}
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
	assert.Len(t, drain(sub), 2)
	assert.Eventually(t, func() bool { return bus.SubscriberCount("") == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribe_FilterByProfileAndSender(t *testing.T) {
	bus := NewBus(BusParams{})
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, Filter{ProfileID: "alpha", ExcludeSender: "client-1"})
	require.NoError(t, err)
	defer sub.Close()

	bus.Publish(Event{Type: TradeDecision, ProfileID: "alpha"})
	bus.Publish(Event{Type: TradeDecision, ProfileID: "beta"})
	bus.Publish(Event{Type: MarketUpdate})
	bus.Publish(Event{Type: ChatUserMessage, ProfileID: "alpha", Meta: Meta{SenderID: "client-1"}})
	bus.Publish(Event{Type: ChatUserMessage, ProfileID: "alpha", Meta: Meta{SenderID: "client-2"}})

	got := drain(sub)
	require.Len(t, got, 3)
	assert.Equal(t, TradeDecision, got[0].Type)
	assert.Equal(t, MarketUpdate, got[1].Type)
	assert.Equal(t, "client-2", got[2].Meta.SenderID)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
}

func TestFilter_Families(t *testing.T) {
	f := Filter{Families: []string{"pending"}}
	assert.True(t, f.Match(Event{Type: PendingFired}))
	assert.False(t, f.Match(Event{Type: TradeDecision}))

	f = Filter{Types: []Type{ChatAssistantChunk}}
	assert.True(t, f.Match(Event{Type: ChatAssistantChunk}))
	assert.False(t, f.Match(Event{Type: ChatAssistantFinal}))
}

func TestSubscribe_ContextCancelCleansUp(t *testing.T) {
	bus := NewBus(BusParams{})
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, Filter{ProfileID: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("alpha"))
	assert.Equal(t, 0, bus.SubscriberCount("beta"))

	cancel()
	<-sub.Done()
	assert.Eventually(t, func() bool { return bus.SubscriberCount("") == 0 }, time.Second, 10*time.Millisecond)
	assert.NoError(t, sub.Err())

	// 关闭后的发布不应 panic
	bus.Publish(Event{Type: BotStatus, ProfileID: "alpha"})
}

func TestSince_ReplaysBoundedHistory(t *testing.T) {
	bus := NewBus(BusParams{HistorySize: 5})
	for i := 0; i < 8; i++ {
		pid := "alpha"
		if i%2 == 1 {
			pid = "beta"
		}
		bus.Publish(Event{Type: TradeDecision, ProfileID: pid, Data: map[string]any{"n": fmt.Sprint(i)}})
	}

	all := bus.Since(0, Filter{})
	require.Len(t, all, 5)
	assert.Equal(t, uint64(4), all[0].Seq)
	assert.Equal(t, uint64(8), all[4].Seq)

	alpha := bus.Since(5, Filter{ProfileID: "alpha"})
	require.Len(t, alpha, 1)
	assert.Equal(t, "6", alpha[0].Data["n"])
}

func TestClose_EndsSubscriptions(t *testing.T) {
	bus := NewBus(BusParams{})
	sub, err := bus.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	bus.Close()
	<-sub.Done()
	_, err = bus.Subscribe(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
	p, err = ParseOverflowPolicy("Disconnect")
	require.NoError(t, err)
	assert.Equal(t, Disconnect, p)
	_, err = ParseOverflowPolicy("block")
	assert.Error(t, err)
}
