package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	arenacfg "arena/internal/config"
	cfgloader "arena/internal/config/loader"
	"arena/internal/decision"
	"arena/internal/events"
	"arena/internal/pending"
	"arena/internal/scheduler"
	"arena/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProfiles = `
profiles:
  alpha:
    name: Alpha
    handle: "@alpha"
    risk_tier: moderate
    account_ref: acct-alpha
    instruments: [BTC]
  beta:
    name: Beta
    risk_tier: degen
    account_ref: acct-beta
`

func buildTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	profilesPath := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(profilesPath, []byte(testProfiles), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	db := filepath.Join(dir, "arena.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
app:
  http_addr: ""
market:
  source: static
  static_prices:
    BTC: 60000
    ETH: 3000
reasoning:
  db_path: `+db+`
pending:
  db_path: `+db+`
profiles_path: `+profilesPath+`
`), 0o644))

	cfg, err := arenacfg.Load(cfgPath)
	require.NoError(t, err)
	a, err := NewAppBuilder(cfg, WithProfileLoader(cfgloader.LoadOnce)).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func TestBuild_WiresPaperStack(t *testing.T) {
	a := buildTestApp(t)
	assert.Nil(t, a.http)
	assert.Nil(t, a.kafka)
	assert.Nil(t, a.chat, "chat relay needs an inference service")
	assert.Len(t, a.profiles.Active(), 2)
	require.NotNil(t, a.Summary)
	assert.Equal(t, "paper", a.Summary.Execution.Exchange)
	assert.Len(t, a.Summary.Profiles, 2)
}

func TestTriggerCycle_HoldWithoutInference(t *testing.T) {
	a := buildTestApp(t)
	ctx := context.Background()
	_, err := a.market.Refresh(ctx)
	require.NoError(t, err)

	res, err := a.Scheduler().TriggerCycleNow(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusSucceeded, res.Status)
	assert.Equal(t, decision.ActionNoop, res.Decision.Action)
	assert.Equal(t, 1, a.reasoning.Len("alpha"))
}

func TestSnapshotFiresPendingAndPublishesMarketUpdate(t *testing.T) {
	a := buildTestApp(t)
	ctx := context.Background()
	sub, err := a.bus.Subscribe(ctx, events.Filter{Types: []events.Type{events.MarketUpdate, events.PendingFired}})
	require.NoError(t, err)
	defer sub.Close()

	rec, err := a.pending.Create(ctx, pending.CreateRequest{
		ProfileID:  "alpha",
		Instrument: "BTC",
		Kind:       pending.KindStopLoss,
		Predicate:  pending.PriceAtOrBelow(61000),
		Order:      types.OrderSpec{Instrument: "BTC", Side: types.SideSell, Notional: decimal.NewFromInt(50)},
	})
	require.NoError(t, err)

	_, err = a.market.Refresh(ctx)
	require.NoError(t, err)

	got, err := a.pending.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pending.StatusFired, got.Status)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, types.OutcomeAccepted, got.Outcome.Status)

	seen := map[events.Type]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-sub.C():
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}

	// 持久化后重建的引擎应看到已触发的动作而不是活跃动作
	restored := pending.NewEngine(pending.EngineParams{Dispatcher: a.dispatcher, Persister: a.gorm})
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveEvents(t *testing.T) {
	a := buildTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := a.bus.Subscribe(ctx, events.Filter{})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- archiveEvents(ctx, sub, a.gorm) }()

	a.bus.Publish(events.Event{Type: events.BotStatus, Data: map[string]any{"status": "running"}})
	a.bus.Publish(events.Event{Type: events.ChatAssistantChunk, ProfileID: "alpha"})
	a.bus.Publish(events.Event{Type: events.TradeDecision, ProfileID: "alpha"})

	require.Eventually(t, func() bool {
		evs, err := a.gorm.LoadEvents(context.Background(), "", time.Time{}, 10)
		return err == nil && len(evs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
