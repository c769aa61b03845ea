package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	mu     sync.Mutex
	prices []float64
	fail   bool
	calls  int
}

func (p *scriptedProvider) GetSnapshot(ctx context.Context) (map[string]Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return nil, errors.New("upstream 502")
	}
	price := 84000.0
	if len(p.prices) > 0 {
		price = p.prices[0]
		p.prices = p.prices[1:]
	}
	return map[string]Quote{"BTCUSDT": {Price: price, Available: true}, "ETH": {Available: false}}, nil
}

func TestCache_RefreshReplacesSnapshot(t *testing.T) {
	prov := &scriptedProvider{prices: []float64{84000, 84500}}
	c := NewCache(CacheParams{Provider: prov, RefreshInterval: time.Second})

	_, ok := c.Latest()
	assert.False(t, ok)

	first, err := c.Refresh(context.Background())
	require.NoError(t, err)
	second, err := c.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, 84000.0, first.Quotes["BTC"].Price, "published snapshots are never mutated")

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Same(t, second, latest)

	q, ok := latest.Quote("btc")
	require.True(t, ok)
	assert.Equal(t, 84500.0, q.Price)
	_, ok = latest.Quote("ETH")
	assert.False(t, ok, "unavailable instrument")
}

func TestCache_FailureKeepsOldSnapshotUntilStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prov := &scriptedProvider{}
	c := NewCache(CacheParams{Provider: prov, RefreshInterval: time.Second, StaleAfter: 10 * time.Second})
	c.nowFn = func() time.Time { return now }

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	prov.fail = true
	_, err = c.Refresh(context.Background())
	require.Error(t, err)

	snap, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Seq)

	now = now.Add(11 * time.Second)
	snap, ok = c.Latest()
	assert.False(t, ok)
	assert.NotNil(t, snap)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Updates)
	assert.Equal(t, uint64(1), st.Failures)
	assert.False(t, st.Fresh)
}

func TestCache_HandlersReceiveEverySnapshot(t *testing.T) {
	c := NewCache(CacheParams{Provider: &scriptedProvider{}, RefreshInterval: time.Second})
	var seen atomic.Int32
	c.OnSnapshot(func(ctx context.Context, snap *Snapshot) { seen.Add(1) })
	c.OnSnapshot(func(ctx context.Context, snap *Snapshot) { panic("boom") })

	for i := 0; i < 3; i++ {
		_, err := c.Refresh(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), seen.Load())
}

// 订阅者处理很慢时轮询照常进行，订阅者随后拿到的是最新快照。
func TestCache_SlowHandlerDoesNotDelayPolling(t *testing.T) {
	c := NewCache(CacheParams{Provider: &scriptedProvider{}, RefreshInterval: 10 * time.Millisecond})
	release := make(chan struct{})
	var delivered []uint64
	var mu sync.Mutex
	c.OnSnapshot(func(ctx context.Context, snap *Snapshot) {
		mu.Lock()
		first := len(delivered) == 0
		delivered = append(delivered, snap.Seq)
		mu.Unlock()
		if first {
			<-release
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(ctx)
	}()

	require.Eventually(t, func() bool { return c.Stats().Updates >= 4 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []uint64{1}, delivered, "handler still blocked on the first snapshot")
	mu.Unlock()

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) >= 2 && delivered[1] >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestCache_RSI(t *testing.T) {
	prices := make([]float64, 0, 30)
	for i := 0; i < 30; i++ {
		prices = append(prices, 100+float64(i))
	}
	c := NewCache(CacheParams{Provider: &scriptedProvider{prices: prices}, RefreshInterval: time.Second})

	_, ok := c.RSI("BTC", 14)
	assert.False(t, ok)

	for range prices {
		_, err := c.Refresh(context.Background())
		require.NoError(t, err)
	}
	rsi, ok := c.RSI("BTCUSDT", 14)
	require.True(t, ok)
	assert.InDelta(t, 100, rsi, 0.001, "monotonic rise saturates RSI")
	assert.Contains(t, c.Indicators([]string{"BTC", "ETH"}), "BTC")
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTC", NormalizeSymbol("btc/usdt"))
	assert.Equal(t, "ETH", NormalizeSymbol("ETH-USD"))
	assert.Equal(t, "SOL", NormalizeSymbol(" sol "))
	assert.Equal(t, "USD", NormalizeSymbol("USD"))
}
