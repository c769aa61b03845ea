package margin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/logger"
	"arena/internal/metrics"
	"arena/internal/pkg/circuit"
	"arena/internal/profile"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 60 * time.Second
	defaultConcurrency  = 10
	defaultHistoryLimit = 200
	maxConsecutiveFails = 5
)

// Balance 是保证金提供方返回的账户数据。
type Balance struct {
	Equity     decimal.Decimal
	FreeMargin decimal.Decimal
}

// Provider 外部保证金/权益数据源。
type Provider interface {
	GetEquityAndFreeMargin(ctx context.Context, accountRef string) (Balance, error)
}

// ProfileSource 提供需要轮询的 profile 列表。
type ProfileSource interface {
	Active() []*profile.Profile
}

// State 是某个 profile 的保证金快照。
type State struct {
	ProfileID      string          `json:"profile_id"`
	AccountRef     string          `json:"account_ref"`
	Equity         decimal.Decimal `json:"equity"`
	FreeCollateral decimal.Decimal `json:"free_collateral"`
	AsOf           time.Time       `json:"as_of"`
}

// EquityPoint 权益历史点。
type EquityPoint struct {
	At     time.Time
	Equity decimal.Decimal
}

type MonitorParams struct {
	Provider     Provider
	Profiles     ProfileSource
	Policy       profile.SizingPolicy
	PollInterval time.Duration
	TTL          time.Duration
	Concurrency  int
	HistoryLimit int
	Metrics      *metrics.Recorder
}

// Monitor 独立计时轮询各 profile 的权益与可用保证金。
// 状态表整体替换发布，读者无需加锁。
type Monitor struct {
	provider     Provider
	profiles     ProfileSource
	policy       profile.SizingPolicy
	interval     time.Duration
	ttl          time.Duration
	concurrency  int
	historyLimit int
	metrics      *metrics.Recorder
	nowFn        func() time.Time

	states  atomic.Pointer[map[string]State]
	writeMu sync.Mutex

	histMu  sync.Mutex
	history map[string][]EquityPoint

	breakersMu sync.Mutex
	breakers   map[string]*circuit.Breaker

	obsMu     sync.RWMutex
	observers []func(State)
}

func NewMonitor(p MonitorParams) *Monitor {
	if p.PollInterval <= 0 {
		p.PollInterval = defaultPollInterval
	}
	if p.TTL <= 0 {
		p.TTL = 2 * p.PollInterval
	}
	if p.Concurrency <= 0 {
		p.Concurrency = defaultConcurrency
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = defaultHistoryLimit
	}
	if !p.Policy.Configured() {
		p.Policy = profile.DefaultSizingPolicy()
	}
	m := &Monitor{
		provider:     p.Provider,
		profiles:     p.Profiles,
		policy:       p.Policy,
		interval:     p.PollInterval,
		ttl:          p.TTL,
		concurrency:  p.Concurrency,
		historyLimit: p.HistoryLimit,
		metrics:      p.Metrics,
		nowFn:        time.Now,
		history:      make(map[string][]EquityPoint),
		breakers:     make(map[string]*circuit.Breaker),
	}
	empty := map[string]State{}
	m.states.Store(&empty)
	return m
}

// OnUpdate 注册每次成功轮询后的回调。
func (m *Monitor) OnUpdate(fn func(State)) {
	if fn == nil {
		return
	}
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Monitor) Start(ctx context.Context) {
	logger.Infof("margin monitor started: interval=%s ttl=%s", m.interval, m.ttl)
	m.Poll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("margin monitor stopped")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// PollReport 汇总一次轮询。
type PollReport struct {
	Updated int
	Failed  int
	Skipped int
}

// Poll 并发拉取所有激活 profile 的账户数据，然后一次性发布新状态表。
func (m *Monitor) Poll(ctx context.Context) PollReport {
	var (
		report  PollReport
		mu      sync.Mutex
		updates []State
	)
	profiles := m.profiles.Active()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, p := range profiles {
		p := p
		br := m.breaker(p.ID())
		if !br.Allow() {
			mu.Lock()
			report.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, m.interval)
			defer cancel()
			bal, err := m.provider.GetEquityAndFreeMargin(fetchCtx, p.AccountRef())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				br.Failure()
				report.Failed++
				m.metrics.RecordRefreshFailure("margin")
				logger.ForProfile(p.ID()).Warn("margin poll failed", "account", p.AccountRef(), "failures", br.Failures(), "error", err)
				return nil
			}
			br.Success()
			report.Updated++
			updates = append(updates, State{
				ProfileID:      p.ID(),
				AccountRef:     p.AccountRef(),
				Equity:         bal.Equity,
				FreeCollateral: bal.FreeMargin,
				AsOf:           m.nowFn(),
			})
			return nil
		})
	}
	_ = g.Wait()

	if len(updates) > 0 {
		m.publish(updates)
	}
	return report
}

func (m *Monitor) publish(updates []State) {
	m.writeMu.Lock()
	prev := *m.states.Load()
	next := make(map[string]State, len(prev)+len(updates))
	for k, v := range prev {
		next[k] = v
	}
	for _, st := range updates {
		next[st.ProfileID] = st
	}
	m.states.Store(&next)
	m.writeMu.Unlock()

	m.histMu.Lock()
	for _, st := range updates {
		h := append(m.history[st.ProfileID], EquityPoint{At: st.AsOf, Equity: st.Equity})
		if len(h) > m.historyLimit {
			h = append([]EquityPoint(nil), h[len(h)-m.historyLimit:]...)
		}
		m.history[st.ProfileID] = h
	}
	m.histMu.Unlock()

	m.obsMu.RLock()
	observers := append([]func(State){}, m.observers...)
	m.obsMu.RUnlock()
	for _, st := range updates {
		for _, fn := range observers {
			fn(st)
		}
	}
}

func (m *Monitor) breaker(profileID string) *circuit.Breaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	br, ok := m.breakers[profileID]
	if !ok {
		br = circuit.New("margin:"+profileID, maxConsecutiveFails, 5*m.interval)
		m.breakers[profileID] = br
	}
	return br
}

// Snapshot 返回当前发布的状态表视图。
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{states: *m.states.Load(), policy: m.policy, ttl: m.ttl}
}

// State 返回最近一次状态（不论新旧）。
func (m *Monitor) State(profileID string) (State, bool) {
	return m.Snapshot().State(profileID)
}

// Limit 计算当前时刻的下单上限。
func (m *Monitor) Limit(p *profile.Profile) Limit {
	return m.Snapshot().Limit(p, m.nowFn())
}

// EquityChange 返回 1h 与 24h 的权益变化百分比，历史不足时为 nil。
func (m *Monitor) EquityChange(profileID string) (change1h, change24h *float64) {
	m.histMu.Lock()
	h := append([]EquityPoint(nil), m.history[profileID]...)
	m.histMu.Unlock()
	if len(h) < 2 {
		return nil, nil
	}
	latest := h[len(h)-1]
	return pctSince(h, latest, time.Hour), pctSince(h, latest, 24*time.Hour)
}

func pctSince(h []EquityPoint, latest EquityPoint, window time.Duration) *float64 {
	cutoff := latest.At.Add(-window)
	var base *EquityPoint
	for i := range h {
		if !h[i].At.Before(cutoff) {
			base = &h[i]
			break
		}
	}
	if base == nil || base.At.Equal(latest.At) || base.Equity.IsZero() {
		return nil
	}
	pct, _ := latest.Equity.Sub(base.Equity).Div(base.Equity).Mul(decimal.NewFromInt(100)).Float64()
	return &pct
}

// Snapshot 是一次性捕获的保证金状态表，供单个决策周期使用。
type Snapshot struct {
	states map[string]State
	policy profile.SizingPolicy
	ttl    time.Duration
}

func (s Snapshot) State(profileID string) (State, bool) {
	st, ok := s.states[profileID]
	return st, ok
}

// Limit 是 profile 的下单上限；过期或缺失时 MaxNotional 为 0。
type Limit struct {
	MaxNotional decimal.Decimal `json:"max_notional"`
	Fresh       bool            `json:"fresh"`
	AsOf        time.Time       `json:"as_of,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

func (s Snapshot) Limit(p *profile.Profile, now time.Time) Limit {
	st, ok := s.states[p.ID()]
	if !ok {
		return Limit{MaxNotional: decimal.Zero, Reason: "margin_unavailable"}
	}
	if age := now.Sub(st.AsOf); age > s.ttl {
		return Limit{MaxNotional: decimal.Zero, AsOf: st.AsOf, Reason: fmt.Sprintf("margin_stale (%s old)", age.Round(time.Second))}
	}
	return Limit{
		MaxNotional: s.policy.MaxNotional(p.Persona().Tier(), st.FreeCollateral),
		Fresh:       true,
		AsOf:        st.AsOf,
	}
}
