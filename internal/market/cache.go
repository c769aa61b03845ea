package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/logger"
	"arena/internal/metrics"

	"github.com/markcheno/go-talib"
)

const (
	defaultRefreshInterval = 30 * time.Second
	defaultHistorySize     = 120
)

// ErrNoSnapshot 表示当前没有新鲜的行情快照。
var ErrNoSnapshot = errors.New("no fresh market snapshot")

// SnapshotHandler 在新快照发布后被调用。
// 直接调用 Refresh 时同步执行；Start 的轮询循环则交给独立的投递 goroutine，
// 处理慢时只保留最新一个待投递快照，轮询节奏不受影响。
type SnapshotHandler func(ctx context.Context, snap *Snapshot)

type CacheParams struct {
	Provider        Provider
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	HistorySize     int
	Metrics         *metrics.Recorder
}

// Cache 是全局共享的行情快照槽位：读者无锁，刷新时整体替换引用。
type Cache struct {
	provider    Provider
	interval    time.Duration
	staleAfter  time.Duration
	historySize int
	metrics     *metrics.Recorder
	nowFn       func() time.Time

	current  atomic.Pointer[Snapshot]
	seq      atomic.Uint64
	updates  atomic.Uint64
	failures atomic.Uint64
	refresh  sync.Mutex

	histMu  sync.RWMutex
	history map[string][]float64

	handlersMu sync.RWMutex
	handlers   []SnapshotHandler
}

func NewCache(p CacheParams) *Cache {
	if p.RefreshInterval <= 0 {
		p.RefreshInterval = defaultRefreshInterval
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = 3 * p.RefreshInterval
	}
	if p.HistorySize <= 0 {
		p.HistorySize = defaultHistorySize
	}
	return &Cache{
		provider:    p.Provider,
		interval:    p.RefreshInterval,
		staleAfter:  p.StaleAfter,
		historySize: p.HistorySize,
		metrics:     p.Metrics,
		nowFn:       time.Now,
		history:     make(map[string][]float64),
	}
}

// OnSnapshot 注册快照订阅者。
func (c *Cache) OnSnapshot(h SnapshotHandler) {
	if h == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Start 立即刷新一次，之后按固定间隔刷新，直到 ctx 结束。
func (c *Cache) Start(ctx context.Context) {
	logger.Infof("market cache started: interval=%s stale_after=%s", c.interval, c.staleAfter)
	mailbox := make(chan *Snapshot, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.deliverLoop(ctx, mailbox)
	}()
	poll := func() {
		snap, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warnf("market refresh failed, keeping snapshot #%d: %v", c.seq.Load(), err)
			}
			return
		}
		post(mailbox, snap)
	}

	poll()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Infof("market cache stopped")
			return
		case <-ticker.C:
			poll()
		}
	}
}

// post 投递快照；信箱里尚未处理的旧快照被新快照取代。单一生产者。
func post(mailbox chan *Snapshot, snap *Snapshot) {
	select {
	case mailbox <- snap:
		return
	default:
	}
	select {
	case old := <-mailbox:
		logger.Warnf("snapshot handlers lagging, #%d superseded by #%d", old.Seq, snap.Seq)
	default:
	}
	select {
	case mailbox <- snap:
	default:
	}
}

func (c *Cache) deliverLoop(ctx context.Context, mailbox <-chan *Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-mailbox:
			c.notify(ctx, snap)
		}
	}
}

// Refresh 拉取一次行情并同步通知订阅者。失败时保留旧快照（它会随时间自然变旧）。
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, snap)
	return snap, nil
}

func (c *Cache) fetch(ctx context.Context) (*Snapshot, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("market provider not configured")
	}
	c.refresh.Lock()
	defer c.refresh.Unlock()
	fetchCtx, cancel := context.WithTimeout(ctx, c.interval)
	quotes, err := c.provider.GetSnapshot(fetchCtx)
	cancel()
	if err != nil {
		c.failures.Add(1)
		c.metrics.RecordRefreshFailure("market")
		return nil, err
	}
	snap := &Snapshot{
		Seq:    c.seq.Add(1),
		At:     c.nowFn(),
		Quotes: make(map[string]Quote, len(quotes)),
	}
	for sym, q := range quotes {
		snap.Quotes[NormalizeSymbol(sym)] = q
	}
	c.current.Store(snap)
	c.updates.Add(1)
	c.metrics.SetSnapshotSeq(snap.Seq)
	c.appendHistory(snap)
	return snap, nil
}

func (c *Cache) notify(ctx context.Context, snap *Snapshot) {
	c.handlersMu.RLock()
	handlers := append([]SnapshotHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		c.invoke(ctx, h, snap)
	}
}

func (c *Cache) invoke(ctx context.Context, h SnapshotHandler, snap *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("snapshot handler panic: %v", r)
		}
	}()
	h(ctx, snap)
}

// Latest 返回最新快照；没有快照或已过期时 ok=false。
func (c *Cache) Latest() (*Snapshot, bool) {
	snap := c.current.Load()
	if snap == nil {
		return nil, false
	}
	if c.nowFn().Sub(snap.At) > c.staleAfter {
		return snap, false
	}
	return snap, true
}

// Stats 汇总刷新计数。
type Stats struct {
	Seq      uint64    `json:"seq"`
	Updates  uint64    `json:"updates"`
	Failures uint64    `json:"failures"`
	At       time.Time `json:"at,omitempty"`
	Fresh    bool      `json:"fresh"`
}

func (c *Cache) Stats() Stats {
	st := Stats{Updates: c.updates.Load(), Failures: c.failures.Load()}
	if snap, fresh := c.Latest(); snap != nil {
		st.Seq = snap.Seq
		st.At = snap.At
		st.Fresh = fresh
	}
	return st
}

func (c *Cache) appendHistory(snap *Snapshot) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	for sym, q := range snap.Quotes {
		if !q.Available || q.Price <= 0 {
			continue
		}
		h := append(c.history[sym], q.Price)
		if len(h) > c.historySize {
			h = append([]float64(nil), h[len(h)-c.historySize:]...)
		}
		c.history[sym] = h
	}
}

// RSI 基于快照价格序列计算 RSI；样本不足时 ok=false。
func (c *Cache) RSI(instrument string, period int) (float64, bool) {
	if period <= 1 {
		period = 14
	}
	c.histMu.RLock()
	series := append([]float64(nil), c.history[NormalizeSymbol(instrument)]...)
	c.histMu.RUnlock()
	if len(series) <= period {
		return 0, false
	}
	out := talib.Rsi(series, period)
	if len(out) == 0 {
		return 0, false
	}
	return out[len(out)-1], true
}

// Indicators 为一组标的计算 RSI(14)。
func (c *Cache) Indicators(instruments []string) map[string]float64 {
	out := make(map[string]float64, len(instruments))
	for _, sym := range instruments {
		if v, ok := c.RSI(sym, 14); ok {
			out[NormalizeSymbol(sym)] = v
		}
	}
	return out
}
