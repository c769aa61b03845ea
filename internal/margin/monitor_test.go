package margin

import (
	"context"
	"errors"
	"testing"
	"time"

	"arena/internal/config/loader"
	"arena/internal/profile"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) GetEquityAndFreeMargin(ctx context.Context, accountRef string) (Balance, error) {
	args := m.Called(ctx, accountRef)
	return args.Get(0).(Balance), args.Error(1)
}

func newRegistry(t *testing.T, tiers map[string]string) *profile.Registry {
	t.Helper()
	reg := profile.NewRegistry(nil)
	var defs []loader.ProfileDefinition
	for id, tier := range tiers {
		defs = append(defs, loader.ProfileDefinition{ID: id, Name: id, RiskTier: tier, AccountRef: "acct-" + id})
	}
	reg.Sync(defs)
	return reg
}

func bal(equity, free int64) Balance {
	return Balance{Equity: decimal.NewFromInt(equity), FreeMargin: decimal.NewFromInt(free)}
}

func TestMonitor_PollAndLimit(t *testing.T) {
	reg := newRegistry(t, map[string]string{"a": "moderate", "b": "degen"})
	prov := new(MockProvider)
	prov.On("GetEquityAndFreeMargin", mock.Anything, "acct-a").Return(bal(2000, 1000), nil)
	prov.On("GetEquityAndFreeMargin", mock.Anything, "acct-b").Return(Balance{}, errors.New("timeout"))

	mon := NewMonitor(MonitorParams{Provider: prov, Profiles: reg, PollInterval: time.Minute, TTL: 2 * time.Minute})
	var updates []State
	mon.OnUpdate(func(st State) { updates = append(updates, st) })

	rep := mon.Poll(context.Background())
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, updates, 1)

	pa, _ := reg.Get("a")
	lim := mon.Limit(pa)
	assert.True(t, lim.Fresh)
	assert.True(t, decimal.NewFromInt(250).Equal(lim.MaxNotional))

	pb, _ := reg.Get("b")
	lim = mon.Limit(pb)
	assert.False(t, lim.Fresh)
	assert.True(t, lim.MaxNotional.IsZero())
	assert.Equal(t, "margin_unavailable", lim.Reason)

	prov.AssertExpectations(t)
}

func TestMonitor_StaleStateCapsAtZero(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	reg := newRegistry(t, map[string]string{"a": "aggressive"})
	prov := new(MockProvider)
	prov.On("GetEquityAndFreeMargin", mock.Anything, "acct-a").Return(bal(5000, 4000), nil)

	mon := NewMonitor(MonitorParams{Provider: prov, Profiles: reg, PollInterval: time.Minute, TTL: 90 * time.Second})
	mon.nowFn = func() time.Time { return now }
	mon.Poll(context.Background())

	pa, _ := reg.Get("a")
	snap := mon.Snapshot()

	lim := snap.Limit(pa, now.Add(time.Minute))
	assert.True(t, lim.Fresh)
	assert.True(t, decimal.NewFromInt(1500).Equal(lim.MaxNotional))

	lim = snap.Limit(pa, now.Add(2*time.Minute))
	assert.False(t, lim.Fresh)
	assert.True(t, lim.MaxNotional.IsZero())
	assert.Contains(t, lim.Reason, "margin_stale")
}

func TestMonitor_SnapshotIsStableAcrossPolls(t *testing.T) {
	reg := newRegistry(t, map[string]string{"a": "moderate"})
	prov := new(MockProvider)
	prov.On("GetEquityAndFreeMargin", mock.Anything, "acct-a").Return(bal(1000, 100), nil).Once()
	prov.On("GetEquityAndFreeMargin", mock.Anything, "acct-a").Return(bal(1000, 900), nil).Once()

	mon := NewMonitor(MonitorParams{Provider: prov, Profiles: reg})
	mon.Poll(context.Background())
	before := mon.Snapshot()
	mon.Poll(context.Background())

	st, ok := before.State("a")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(100).Equal(st.FreeCollateral))
	st, _ = mon.State("a")
	assert.True(t, decimal.NewFromInt(900).Equal(st.FreeCollateral))
}

func TestMonitor_BreakerSkipsAfterConsecutiveFailures(t *testing.T) {
	reg := newRegistry(t, map[string]string{"a": "moderate"})
	prov := new(MockProvider)
	prov.On("GetEquityAndFreeMargin", mock.Anything, "acct-a").Return(Balance{}, errors.New("503"))

	mon := NewMonitor(MonitorParams{Provider: prov, Profiles: reg, PollInterval: time.Hour})
	for i := 0; i < maxConsecutiveFails; i++ {
		mon.Poll(context.Background())
	}
	rep := mon.Poll(context.Background())
	assert.Equal(t, 1, rep.Skipped)
	prov.AssertNumberOfCalls(t, "GetEquityAndFreeMargin", maxConsecutiveFails)
}

func TestMonitor_EquityChange(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	reg := newRegistry(t, map[string]string{"a": "moderate"})
	prov := new(MockProvider)
	prov.On("GetEquityAndFreeMargin", mock.Anything, "acct-a").Return(bal(1000, 500), nil).Once()
	prov.On("GetEquityAndFreeMargin", mock.Anything, "acct-a").Return(bal(1100, 500), nil).Once()

	mon := NewMonitor(MonitorParams{Provider: prov, Profiles: reg})
	mon.nowFn = func() time.Time { return now }
	mon.Poll(context.Background())
	now = now.Add(30 * time.Minute)
	mon.Poll(context.Background())

	c1h, c24h := mon.EquityChange("a")
	require.NotNil(t, c1h)
	require.NotNil(t, c24h)
	assert.InDelta(t, 10.0, *c1h, 1e-9)
	assert.InDelta(t, 10.0, *c24h, 1e-9)
}
