package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"arena/internal/config/loader"
	"arena/internal/events"
	"arena/internal/profile"
	"arena/internal/reasoning"
	"arena/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) Name() string { return "mock" }

func (m *MockExchange) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.ExecResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.ExecResult), args.Error(1)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) SendText(_ context.Context, text string) error {
	n.mu.Lock()
	n.sent = append(n.sent, text)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	ex       *MockExchange
	store    *reasoning.Store
	bus      *events.Bus
	notifier *recordingNotifier
	d        *Dispatcher
}

func newFixture(t *testing.T, tweak func(*DispatcherParams)) *fixture {
	t.Helper()
	reg := profile.NewRegistry(nil)
	reg.Sync([]loader.ProfileDefinition{
		{ID: "alpha", Name: "Alpha", Handle: "alpha", RiskTier: "moderate", AccountRef: "acct-alpha"},
		{ID: "beta", Name: "Beta", Handle: "beta", RiskTier: "degen", AccountRef: "acct-beta"},
	})
	require.NoError(t, reg.Deactivate(context.Background(), "beta"))

	f := &fixture{
		ex:       new(MockExchange),
		store:    reasoning.NewStore(reasoning.StoreParams{}),
		bus:      events.NewBus(events.BusParams{}),
		notifier: &recordingNotifier{},
	}
	p := DispatcherParams{
		Exchange:    f.ex,
		Profiles:    reg,
		Reasoning:   f.store,
		Publisher:   f.bus,
		Notifier:    f.notifier,
		MinNotional: decimal.NewFromInt(10),
	}
	if tweak != nil {
		tweak(&p)
	}
	f.d = NewDispatcher(p)
	return f
}

func spec(notional int64) types.OrderSpec {
	return types.OrderSpec{Instrument: "BTC", Side: types.SideBuy, Type: types.OrderMarket, Notional: decimal.NewFromInt(notional)}
}

func TestDispatch_AcceptedIsCachedByDecisionID(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.On("PlaceOrder", mock.Anything, types.OrderRequest{ClientOrderID: "d-1", AccountRef: "acct-alpha", Spec: spec(100)}).
		Return(types.ExecResult{OrderID: "o-1", Status: types.OutcomeAccepted}, nil).Once()

	out := f.d.Dispatch(context.Background(), "d-1", "alpha", spec(100))
	assert.Equal(t, types.OutcomeAccepted, out.Status)
	assert.Equal(t, "o-1", out.OrderID)

	again := f.d.Dispatch(context.Background(), "d-1", "alpha", spec(100))
	assert.Equal(t, out, again)
	f.ex.AssertNumberOfCalls(t, "PlaceOrder", 1)

	entries := f.store.View("alpha", reasoning.PurposeAudit, reasoning.Window{})
	require.Len(t, entries, 1)
	assert.Equal(t, reasoning.CategoryOutcome, entries[0].Category)
	assert.Equal(t, "accepted", entries[0].Payload["status"])
	assert.Equal(t, []string{"d-1"}, entries[0].Related)
}

func TestDispatch_UnknownIsNeverRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(types.ExecResult{}, errors.New("connection reset by peer")).Once()

	out := f.d.Dispatch(context.Background(), "pa-1", "alpha", spec(100))
	assert.Equal(t, types.OutcomeUnknown, out.Status)
	assert.Contains(t, out.Reason, "connection reset")

	again := f.d.Dispatch(context.Background(), "pa-1", "alpha", spec(100))
	assert.Equal(t, types.OutcomeUnknown, again.Status)
	f.ex.AssertNumberOfCalls(t, "PlaceOrder", 1)

	entries := f.store.View("alpha", reasoning.PurposeAudit, reasoning.Window{})
	require.Len(t, entries, 1)
	assert.Equal(t, "unknown", entries[0].Payload["status"])
	assert.Eventually(t, func() bool { return f.notifier.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestDispatch_ConcurrentSameIDSharesOneOrder(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.ex.On("PlaceOrder", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(types.ExecResult{OrderID: "o-1", Status: types.OutcomeAccepted}, nil)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]types.Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.d.Dispatch(context.Background(), "d-1", "alpha", spec(100))
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	f.ex.AssertNumberOfCalls(t, "PlaceOrder", 1)
	for _, r := range results {
		assert.Equal(t, "o-1", r.OrderID)
	}
}

func TestDispatch_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(r types.OrderRequest) bool { return r.ClientOrderID == "d-hard" })).
		Return(types.ExecResult{}, types.Reject("insufficient_margin", "not enough collateral")).Once()

	cases := []struct {
		name       string
		decisionID string
		profileID  string
		spec       types.OrderSpec
		reason     string
	}{
		{"below minimum", "d-min", "alpha", spec(5), "below_min_size"},
		{"invalid", "d-bad", "alpha", types.OrderSpec{Instrument: "BTC", Side: "up", Notional: decimal.NewFromInt(100)}, "invalid_order"},
		{"unknown profile", "d-ghost", "ghost", spec(100), "unknown profile"},
		{"inactive profile", "d-beta", "beta", spec(100), "profile inactive"},
		{"exchange hard reject", "d-hard", "alpha", spec(100), "insufficient_margin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := f.d.Dispatch(context.Background(), tc.decisionID, tc.profileID, tc.spec)
			assert.Equal(t, types.OutcomeRejected, out.Status)
			assert.Contains(t, out.Reason, tc.reason)
		})
	}
	f.ex.AssertNumberOfCalls(t, "PlaceOrder", 1)
	assert.Equal(t, 0, f.notifier.count())
}

func TestDispatch_CancelledBeforeSendIsNotSent(t *testing.T) {
	f := newFixture(t, func(p *DispatcherParams) {
		p.RatePerSecond = 0.001
		p.Burst = 1
	})
	f.ex.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(types.ExecResult{OrderID: "o-1", Status: types.OutcomeAccepted}, nil).Once()
	require.Equal(t, types.OutcomeAccepted, f.d.Dispatch(context.Background(), "d-1", "alpha", spec(100)).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := f.d.Dispatch(ctx, "d-2", "alpha", spec(100))
	assert.Equal(t, types.OutcomeRejected, out.Status)
	assert.Contains(t, out.Reason, "not_sent")
	f.ex.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestDispatch_PublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t, nil)
	sub, err := f.bus.Subscribe(context.Background(), events.Filter{ProfileID: "alpha", Families: []string{"trade"}})
	require.NoError(t, err)
	defer sub.Close()
	f.ex.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(types.ExecResult{OrderID: "o-1", Status: types.OutcomeAccepted}, nil)

	f.d.Dispatch(context.Background(), "d-1", "alpha", spec(100))
	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, events.TradeOrderSubmitted, first.Type)
	assert.Equal(t, events.TradeOrderAccepted, second.Type)
	assert.Equal(t, "d-1", second.Meta.CorrelationID)
}

// 超过 TTL 后同一 decision id 仍返回原结果（仅去掉订单明细），交易所只被调用一次。
func TestOutcomeKeptPastTTL(t *testing.T) {
	f := newFixture(t, func(p *DispatcherParams) { p.OutcomeTTL = time.Minute })
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	f.d.nowFn = func() time.Time { return now }
	f.ex.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(types.ExecResult{OrderID: "o-1", Status: types.OutcomeAccepted}, nil).Once()

	first := f.d.Dispatch(context.Background(), "d-1", "alpha", spec(100))
	require.Equal(t, types.OutcomeAccepted, first.Status)

	now = now.Add(2 * time.Minute)
	f.d.remember(types.Outcome{DecisionID: "d-other", Status: types.OutcomeRejected})

	again := f.d.Dispatch(context.Background(), "d-1", "alpha", spec(100))
	assert.Equal(t, types.OutcomeAccepted, again.Status)
	assert.Equal(t, "o-1", again.OrderID)
	assert.True(t, again.Spec.Notional.IsZero(), "details compacted after ttl")
	f.ex.AssertNumberOfCalls(t, "PlaceOrder", 1)
}
