package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"arena/internal/events"
	"arena/internal/pending"
	"arena/internal/profile"
	"arena/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stopLoss(id string, status pending.Status) pending.Record {
	created := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	deadline := created.Add(time.Hour)
	return pending.Record{
		ID:         id,
		ProfileID:  "alpha",
		Instrument: "BTC",
		Kind:       pending.KindStopLoss,
		Predicate:  pending.PriceAtOrBelow(80000),
		Order: types.OrderSpec{
			Instrument: "BTC", Side: types.SideSell, Type: types.OrderMarket,
			Notional: decimal.RequireFromString("125.50"), ReduceOnly: true,
		},
		Reasoning: "protect long",
		Status:    status,
		Deadline:  &deadline,
		CreatedAt: created,
	}
}

func TestPendingActions_UpsertAndLoadActive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SavePendingAction(ctx, stopLoss("pa-1", pending.StatusActive)))
	require.NoError(t, s.SavePendingAction(ctx, stopLoss("pa-2", pending.StatusActive)))

	fired := stopLoss("pa-2", pending.StatusFired)
	firedAt := fired.CreatedAt.Add(10 * time.Minute)
	fired.FiredAt = &firedAt
	fired.Outcome = &types.Outcome{DecisionID: "pa-pa-2", Status: types.OutcomeRejected, Reason: "below_min_size"}
	fired.Error = "below_min_size"
	require.NoError(t, s.SavePendingAction(ctx, fired))

	active, err := s.LoadActivePendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	got := active[0]
	assert.Equal(t, "pa-1", got.ID)
	assert.Equal(t, pending.PriceAtOrBelow(80000), got.Predicate)
	assert.True(t, got.Order.Notional.Equal(decimal.RequireFromString("125.5")))
	assert.True(t, got.Order.ReduceOnly)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(got.CreatedAt.Add(time.Hour)))
	assert.Nil(t, got.Outcome)

	all, err := s.ListPendingActions(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	var terminal pending.Record
	for _, r := range all {
		if r.ID == "pa-2" {
			terminal = r
		}
	}
	assert.Equal(t, pending.StatusFired, terminal.Status)
	require.NotNil(t, terminal.Outcome)
	assert.Equal(t, types.OutcomeRejected, terminal.Outcome.Status)
	assert.Equal(t, "below_min_size", terminal.Error)
}

func TestPendingEngine_RestoresFromStore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	eng := pending.NewEngine(pending.EngineParams{Persister: s})
	rec, err := eng.Create(ctx, pending.CreateRequest{
		ProfileID:  "alpha",
		Instrument: "ETH",
		Kind:       pending.KindTakeProfit,
		Predicate:  pending.PriceAtOrAbove(4000),
		Order:      types.OrderSpec{Instrument: "ETH", Side: types.SideSell, Type: types.OrderMarket, Notional: decimal.NewFromInt(50)},
		Deadline:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	restored := pending.NewEngine(pending.EngineParams{Persister: s})
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := restored.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pending.StatusActive, got.Status)
	assert.Len(t, restored.Summary("alpha").TakeProfit, 1)
}

func TestProfileStates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 12, 5, 0, 0, time.UTC)
	require.NoError(t, s.SaveProfileState(ctx, profile.State{ID: "alpha", Active: true, LastCycleAt: at, UpdatedAt: at}))
	require.NoError(t, s.SaveProfileState(ctx, profile.State{ID: "alpha", Active: false, OperatorStopped: true, LastCycleAt: at, UpdatedAt: at.Add(time.Minute)}))

	states, err := s.LoadProfileStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.False(t, states[0].Active)
	assert.True(t, states[0].OperatorStopped)
	assert.True(t, at.Equal(states[0].LastCycleAt))
}

func TestEventArchive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	ev := events.Event{ID: "ev-1", Seq: 1, Type: events.TradeOrderAccepted, ProfileID: "alpha", At: base, Data: map[string]any{"order_id": "o-1"}}
	require.NoError(t, s.AppendEvent(ctx, ev))
	require.NoError(t, s.AppendEvent(ctx, ev))
	require.NoError(t, s.AppendEvent(ctx, events.Event{ID: "ev-2", Seq: 2, Type: events.PendingCreated, ProfileID: "beta", At: base.Add(time.Second)}))

	got, err := s.LoadEvents(ctx, "alpha", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.TradeOrderAccepted, got[0].Type)
	assert.Equal(t, "o-1", got[0].Data["order_id"])

	all, err := s.LoadEvents(ctx, "", base, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ev-2", all[0].ID)
}
