package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) AppendEntry(ctx context.Context, e Entry) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockPersister) LoadRecent(ctx context.Context, profileID string, limit int) ([]Entry, error) {
	args := m.Called(ctx, profileID, limit)
	entries, _ := args.Get(0).([]Entry)
	return entries, args.Error(1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(ret Retention) (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(StoreParams{Retention: ret})
	s.nowFn = clk.Now
	return s, clk
}

func entry(profileID string, cat Category, content string) Entry {
	return Entry{ProfileID: profileID, Category: cat, Content: content, Confidence: DefaultConfidence}
}

func TestAppend_Validation(t *testing.T) {
	s, _ := newTestStore(Retention{})
	ctx := context.Background()

	_, err := s.Append(ctx, entry("", CategoryDecision, "x"))
	assert.ErrorIs(t, err, ErrEmptyProfile)
	_, err = s.Append(ctx, entry("p", CategoryDecision, "  "))
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = s.Append(ctx, entry("p", "gossip", "x"))
	assert.Error(t, err)
	bad := entry("p", CategoryDecision, "x")
	bad.Confidence = 1.5
	_, err = s.Append(ctx, bad)
	assert.Error(t, err)
}

func TestAppend_ConcurrentWritersKeepEveryEntry(t *testing.T) {
	const writers, perWriter = 8, 50
	s, _ := newTestStore(Retention{MaxEntries: writers * perWriter})

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				cat := CategoryDecision
				if w%2 == 0 {
					cat = CategoryChatInfluence
				}
				_, err := s.Append(context.Background(), entry("p1", cat, fmt.Sprintf("w%d-%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	// 并发读者不应看到半写入条目
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, e := range s.View("p1", PurposeAudit, Window{Limit: 25}) {
				if e.ID == "" || e.Seq == 0 || !strings.HasPrefix(e.Content, "w") {
					t.Errorf("torn entry observed: %+v", e)
					return
				}
			}
		}
	}()
	wg.Wait()
	close(stop)
	readers.Wait()

	all := s.View("p1", PurposeAudit, Window{})
	require.Len(t, all, writers*perWriter)
	seen := make(map[string]struct{}, len(all))
	for _, e := range all {
		seen[e.Content] = struct{}{}
	}
	assert.Len(t, seen, writers*perWriter)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].Seq, all[i].Seq, "view is most-recent-first")
	}
}

func TestView_LimitAndPurpose(t *testing.T) {
	s, clk := newTestStore(Retention{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, entry("p", CategoryMarketObservation, fmt.Sprintf("obs %d", i)))
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	_, err := s.Append(ctx, entry("p", CategoryOutcome, "filled"))
	require.NoError(t, err)

	got := s.View("p", PurposeTrading, Window{Limit: 3})
	require.Len(t, got, 3)
	assert.Equal(t, "filled", got[0].Content)
	assert.Equal(t, "obs 4", got[1].Content)

	assert.Empty(t, s.View("unknown", PurposeTrading, Window{Limit: 3}))

	clk.Advance(2 * time.Minute)
	recent := s.View("p", PurposeChat, Window{Since: 3*time.Minute + 30*time.Second})
	assert.Len(t, recent, 2)
}

func TestView_PreviouslyReturnedSliceSurvivesTrimming(t *testing.T) {
	s, _ := newTestStore(Retention{MaxEntries: 3})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, entry("p", CategoryDecision, fmt.Sprintf("d%d", i)))
		require.NoError(t, err)
	}
	held := s.View("p", PurposeAudit, Window{})
	require.Len(t, held, 3)

	for i := 3; i < 10; i++ {
		_, err := s.Append(ctx, entry("p", CategoryDecision, fmt.Sprintf("d%d", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"d2", "d1", "d0"}, contents(held))
	assert.Equal(t, []string{"d9", "d8", "d7"}, contents(s.View("p", PurposeAudit, Window{})))
	assert.Equal(t, 3, s.Len("p"))
}

func TestRetention_MaxAgeAndSweep(t *testing.T) {
	s, clk := newTestStore(Retention{MaxEntries: 100, MaxAge: time.Hour})
	ctx := context.Background()
	_, err := s.Append(ctx, entry("p", CategoryDecision, "old"))
	require.NoError(t, err)
	clk.Advance(30 * time.Minute)
	_, err = s.Append(ctx, entry("p", CategoryDecision, "newer"))
	require.NoError(t, err)

	clk.Advance(45 * time.Minute)
	assert.Equal(t, 1, s.Sweep(clk.Now()))
	assert.Equal(t, []string{"newer"}, contents(s.View("p", PurposeAudit, Window{})))
}

func TestAppend_PersistsAndNotifies(t *testing.T) {
	p := new(MockPersister)
	p.On("AppendEntry", mock.Anything, mock.MatchedBy(func(e Entry) bool { return e.Content == "hello" })).Return(errors.New("disk full"))

	s := NewStore(StoreParams{Persister: p})
	var notified []Entry
	s.OnAppend(func(e Entry) { notified = append(notified, e) })

	payload := map[string]any{"k": "v"}
	in := entry("p", CategoryChatInfluence, "hello")
	in.Payload = payload
	stored, err := s.Append(context.Background(), in)
	require.NoError(t, err, "persistence failures do not lose the in-memory append")
	payload["k"] = "mutated"

	require.Len(t, notified, 1)
	assert.Equal(t, stored.ID, notified[0].ID)
	assert.Equal(t, "v", s.View("p", PurposeAudit, Window{})[0].Payload["k"])
	p.AssertExpectations(t)
}

func TestRestore(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	p := new(MockPersister)
	p.On("LoadRecent", mock.Anything, "p", 100).Return([]Entry{
		{ID: "b", ProfileID: "p", Category: CategoryDecision, Content: "second", CreatedAt: base.Add(time.Minute)},
		{ID: "a", ProfileID: "p", Category: CategoryDecision, Content: "first", CreatedAt: base},
	}, nil)
	p.On("AppendEntry", mock.Anything, mock.Anything).Return(nil)

	s := NewStore(StoreParams{Persister: p})
	require.NoError(t, s.Restore(context.Background(), []string{"p"}))
	_, err := s.Append(context.Background(), entry("p", CategoryOutcome, "third"))
	require.NoError(t, err)

	assert.Equal(t, []string{"third", "second", "first"}, contents(s.View("p", PurposeAudit, Window{})))
}

func TestTradingInfluencesAndSummary(t *testing.T) {
	s, clk := newTestStore(Retention{})
	ctx := context.Background()

	strong := entry("p", CategoryChatInfluence, "user is bearish on BTC")
	strong.Confidence = 0.9
	strong.Impact = "reduce long exposure"
	_, err := s.Append(ctx, strong)
	require.NoError(t, err)

	weak := entry("p", CategoryChatInfluence, "user said hi")
	weak.Confidence = 0.3
	weak.Impact = "none"
	_, err = s.Append(ctx, weak)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	fresh := entry("p", CategoryMarketObservation, "ETH breaking out")
	fresh.Confidence = 0.7
	fresh.Impact = "consider ETH long"
	_, err = s.Append(ctx, fresh)
	require.NoError(t, err)

	inf := s.TradingInfluences("p", 0)
	require.Len(t, inf, 2)
	assert.Equal(t, "user is bearish on BTC", inf[0].Entry.Content)
	assert.InDelta(t, 0.72, inf[0].Weight, 1e-9)
	assert.InDelta(t, 0.7, inf[1].Weight, 1e-9)

	sum := s.Summary("p", PurposeTrading)
	assert.Contains(t, sum, "Recent conversations:")
	assert.Contains(t, sum, "Market observations:")
	assert.Contains(t, sum, "(impact: consider ETH long)")
	assert.Equal(t, "No recent reasoning.", s.Summary("nobody", PurposeTrading))
}

func contents(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out
}
