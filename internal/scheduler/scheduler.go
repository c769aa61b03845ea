// Package scheduler 周期性地为每个激活的 profile 运行决策。
//
// 同一周期内各 profile 并行、互不影响；同一 profile 的相邻周期互斥。
// 决策调用受周期截止时间约束，超时记为 no-op，绝不产生半截订单。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/decision"
	"arena/internal/events"
	"arena/internal/logger"
	"arena/internal/margin"
	"arena/internal/market"
	"arena/internal/metrics"
	"arena/internal/pending"
	"arena/internal/pkg/circuit"
	"arena/internal/profile"
	"arena/internal/reasoning"
	"arena/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCycleInProgress = errors.New("decision cycle already in progress for profile")
	ErrUnknownProfile  = errors.New("unknown profile")
)

const (
	defaultInterval         = 5 * time.Minute
	defaultWorkers          = 8
	defaultBreakerThreshold = 3
	defaultBreakerCooldown  = 10 * time.Minute
	defaultViewLimit        = 20
)

// CycleStatus 单个 profile 在一个周期内的结局。
type CycleStatus string

const (
	StatusSucceeded CycleStatus = "succeeded"
	StatusFailed    CycleStatus = "failed"
	StatusTimeout   CycleStatus = "timeout"
	StatusSkipped   CycleStatus = "skipped"
)

type ProfileSource interface {
	Active() []*profile.Profile
	Get(id string) (*profile.Profile, bool)
	MarkCycle(id string, at time.Time)
}

type MarketView interface {
	Latest() (*market.Snapshot, bool)
	Indicators(instruments []string) map[string]float64
}

type MarginView interface {
	Snapshot() margin.Snapshot
}

type ReasoningLog interface {
	Append(ctx context.Context, e reasoning.Entry) (reasoning.Entry, error)
	View(profileID string, purpose reasoning.Purpose, w reasoning.Window) []reasoning.Entry
	TradingInfluences(profileID string, window time.Duration) []reasoning.Influence
}

type PendingActions interface {
	Create(ctx context.Context, req pending.CreateRequest) (pending.Record, error)
	Cancel(ctx context.Context, id string) (pending.Status, error)
	Get(id string) (pending.Record, error)
	Summary(profileID string) pending.Summary
}

type OrderDispatcher interface {
	Dispatch(ctx context.Context, decisionID, profileID string, spec types.OrderSpec) types.Outcome
}

type Publisher interface {
	Publish(e events.Event) events.Event
}

type Params struct {
	Profiles   ProfileSource
	Market     MarketView
	Margin     MarginView
	Reasoning  ReasoningLog
	Pending    PendingActions
	Dispatcher OrderDispatcher
	Decider    decision.Decider
	Publisher  Publisher
	Metrics    *metrics.Recorder

	Interval        time.Duration
	Offset          time.Duration
	DecisionTimeout time.Duration
	Workers         int
	RunImmediately  bool
	ViewLimit       int

	BreakerThreshold int
	BreakerCooldown  time.Duration
	MinNotional      decimal.Decimal
}

// ProfileResult 是单个 profile 一次周期的结果。
type ProfileResult struct {
	ProfileID string            `json:"profile_id"`
	Status    CycleStatus       `json:"status"`
	Decision  decision.Decision `json:"decision"`
	Outcome   *types.Outcome    `json:"outcome,omitempty"`
	Pending   *pending.Record   `json:"pending,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// CycleReport 汇总一个周期；所有 profile 任务落定后才返回。
type CycleReport struct {
	At      time.Time       `json:"at"`
	Results []ProfileResult `json:"results"`
}

func (r CycleReport) Count(st CycleStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == st {
			n++
		}
	}
	return n
}

type Scheduler struct {
	profiles   ProfileSource
	market     MarketView
	margin     MarginView
	reasoning  ReasoningLog
	pending    PendingActions
	dispatcher OrderDispatcher
	decider    decision.Decider
	publisher  Publisher
	metrics    *metrics.Recorder

	loop        alignedLoop
	timeout     time.Duration
	workers     int
	viewLimit   int
	minNotional decimal.Decimal
	threshold   int
	cooldown    time.Duration
	nowFn       func() time.Time

	slotsMu sync.Mutex
	slots   map[string]*atomic.Bool

	breakersMu sync.Mutex
	breakers   map[string]*circuit.Breaker

	cycles sync.WaitGroup
}

func New(p Params) *Scheduler {
	if p.Interval <= 0 {
		p.Interval = defaultInterval
	}
	if p.DecisionTimeout <= 0 || p.DecisionTimeout > p.Interval {
		p.DecisionTimeout = p.Interval
	}
	if p.Workers <= 0 {
		p.Workers = defaultWorkers
	}
	if p.ViewLimit <= 0 {
		p.ViewLimit = defaultViewLimit
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = defaultBreakerThreshold
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = defaultBreakerCooldown
	}
	if p.Decider == nil {
		p.Decider = decision.Hold{}
	}
	return &Scheduler{
		profiles:    p.Profiles,
		market:      p.Market,
		margin:      p.Margin,
		reasoning:   p.Reasoning,
		pending:     p.Pending,
		dispatcher:  p.Dispatcher,
		decider:     p.Decider,
		publisher:   p.Publisher,
		metrics:     p.Metrics,
		loop:        alignedLoop{interval: p.Interval, offset: p.Offset, runImmediately: p.RunImmediately, nowFn: time.Now},
		timeout:     p.DecisionTimeout,
		workers:     p.Workers,
		viewLimit:   p.ViewLimit,
		minNotional: p.MinNotional,
		threshold:   p.BreakerThreshold,
		cooldown:    p.BreakerCooldown,
		nowFn:       time.Now,
		slots:       make(map[string]*atomic.Bool),
		breakers:    make(map[string]*circuit.Breaker),
	}
}

// Run 按固定间隔启动周期，直到 ctx 结束。
//
// 每个周期在独立 goroutine 中运行，上一个周期未结束的 profile 会在本周期被跳过，
// 其余 profile 照常执行。
func (s *Scheduler) Run(ctx context.Context) {
	s.loop.run(ctx, func(at time.Time) {
		s.cycles.Add(1)
		go func() {
			defer s.cycles.Done()
			report := s.RunCycle(ctx)
			logger.Infof("cycle %s done: profiles=%d succeeded=%d failed=%d timeout=%d skipped=%d",
				at.Format(time.RFC3339), len(report.Results), report.Count(StatusSucceeded),
				report.Count(StatusFailed), report.Count(StatusTimeout), report.Count(StatusSkipped))
		}()
	})
	s.cycles.Wait()
}

// RunCycle 运行一个完整周期：先一次性捕获行情与保证金，再并行处理每个激活的 profile。
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	at := s.nowFn()
	snap := s.marketSnapshot()
	ms := s.margin.Snapshot()
	active := s.profiles.Active()

	report := CycleReport{At: at, Results: make([]ProfileResult, len(active))}
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, p := range active {
		g.Go(func() error {
			if !s.acquire(p.ID()) {
				report.Results[i] = s.skip(ctx, p, at, "previous cycle still running")
				return nil
			}
			defer s.release(p.ID())
			report.Results[i] = s.guardedRun(ctx, p, at, snap, ms)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// TriggerCycleNow 立即为单个 profile 运行一次决策（运维手动触发）。
func (s *Scheduler) TriggerCycleNow(ctx context.Context, profileID string) (ProfileResult, error) {
	p, ok := s.profiles.Get(profileID)
	if !ok {
		return ProfileResult{}, ErrUnknownProfile
	}
	if !p.Active() {
		return ProfileResult{}, profile.ErrInactive
	}
	if !s.acquire(profileID) {
		return ProfileResult{}, ErrCycleInProgress
	}
	defer s.release(profileID)
	return s.guardedRun(ctx, p, s.nowFn(), s.marketSnapshot(), s.margin.Snapshot()), nil
}

// guardedRun 把单个 profile 任务中的 panic 转成 failed no-op，不影响其它 profile。
func (s *Scheduler) guardedRun(ctx context.Context, p *profile.Profile, at time.Time, snap *market.Snapshot, ms margin.Snapshot) (res ProfileResult) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.ForProfile(p.ID()).Error("profile task panicked", "panic", r)
		res = ProfileResult{
			ProfileID: p.ID(),
			Status:    StatusFailed,
			Error:     fmt.Sprintf("panic: %v", r),
			Decision:  decision.Noop(p.ID(), at, fmt.Sprintf("internal error: %v", r)),
		}
		res.Decision.ID = uuid.NewString()
		s.finish(ctx, p, &res, true)
	}()
	return s.runProfile(ctx, p, at, snap, ms)
}

func (s *Scheduler) marketSnapshot() *market.Snapshot {
	snap, fresh := s.market.Latest()
	if !fresh {
		return nil
	}
	return snap
}

func (s *Scheduler) slot(profileID string) *atomic.Bool {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	b, ok := s.slots[profileID]
	if !ok {
		b = new(atomic.Bool)
		s.slots[profileID] = b
	}
	return b
}

func (s *Scheduler) acquire(profileID string) bool { return s.slot(profileID).CompareAndSwap(false, true) }
func (s *Scheduler) release(profileID string)      { s.slot(profileID).Store(false) }

// Busy 报告 profile 当前是否有周期在运行。
func (s *Scheduler) Busy(profileID string) bool { return s.slot(profileID).Load() }

func (s *Scheduler) breaker(profileID string) *circuit.Breaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	cb, ok := s.breakers[profileID]
	if !ok {
		cb = circuit.New("decider:"+profileID, s.threshold, s.cooldown)
		s.breakers[profileID] = cb
	}
	return cb
}

func (s *Scheduler) skip(ctx context.Context, p *profile.Profile, at time.Time, reason string) ProfileResult {
	res := ProfileResult{
		ProfileID: p.ID(),
		Status:    StatusSkipped,
		Decision:  decision.Noop(p.ID(), at, "skipped: "+reason),
	}
	res.Decision.ID = uuid.NewString()
	s.finish(ctx, p, &res, false)
	return res
}

func (s *Scheduler) runProfile(ctx context.Context, p *profile.Profile, at time.Time, snap *market.Snapshot, ms margin.Snapshot) ProfileResult {
	start := s.nowFn()
	log := logger.ForProfile(p.ID())
	res := ProfileResult{ProfileID: p.ID()}

	if br := s.breaker(p.ID()); !br.Allow() {
		res.Status = StatusSkipped
		res.Decision = decision.Noop(p.ID(), at, "skipped: decider circuit open until "+br.RetryAt().Format(time.RFC3339))
		res.Decision.ID = uuid.NewString()
		s.finish(ctx, p, &res, false)
		return res
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dctx := s.buildContext(p, at, snap, ms)
	dec, err := s.decide(cctx, dctx)
	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		// 截止后返回的结果一律丢弃
		res.Status = StatusTimeout
		res.Decision = decision.Noop(p.ID(), at, "timeout")
		s.breaker(p.ID()).Failure()
		log.Warn("decision timed out", "timeout", s.timeout)
	case err != nil:
		res.Status = StatusFailed
		res.Error = err.Error()
		res.Decision = decision.Noop(p.ID(), at, "decider error: "+err.Error())
		if ctx.Err() == nil {
			s.breaker(p.ID()).Failure()
		}
		log.Warn("decision failed", "error", err)
	default:
		s.breaker(p.ID()).Success()
		dec.ProfileID = p.ID()
		dec.CycleAt = at
		res.Decision = dec
		res.Status = StatusSucceeded
		if dec.Observation != "" {
			s.appendEntry(ctx, reasoning.Entry{
				ProfileID:  p.ID(),
				Category:   reasoning.CategoryMarketObservation,
				Source:     "decider",
				Content:    dec.Observation,
				Confidence: confidenceOr(dec.Confidence),
			})
		}
		s.apply(cctx, p, dctx.Margin, &res)
	}
	if res.Decision.ID == "" {
		res.Decision.ID = uuid.NewString()
	}
	res.Duration = s.nowFn().Sub(start)
	s.finish(ctx, p, &res, true)
	return res
}

type decideResult struct {
	dec decision.Decision
	err error
}

// decide 在独立 goroutine 中调用决策方，截止时间一到立即返回；
// 不理会 ctx 的决策方稍后返回的结果写入带缓冲的通道后被丢弃。
func (s *Scheduler) decide(ctx context.Context, in decision.Context) (decision.Decision, error) {
	ch := make(chan decideResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- decideResult{err: fmt.Errorf("decider panic: %v", r)}
			}
		}()
		dec, err := s.decider.Decide(ctx, in)
		ch <- decideResult{dec: dec, err: err}
	}()
	select {
	case r := <-ch:
		return r.dec, r.err
	case <-ctx.Done():
		return decision.Decision{}, ctx.Err()
	}
}

func (s *Scheduler) buildContext(p *profile.Profile, at time.Time, snap *market.Snapshot, ms margin.Snapshot) decision.Context {
	view := s.reasoning.View(p.ID(), reasoning.PurposeTrading, reasoning.Window{Limit: s.viewLimit})
	instruments := p.Instruments()
	if len(instruments) == 0 && snap != nil {
		instruments = snap.Instruments()
	}
	var indicators map[string]float64
	if snap != nil {
		indicators = s.market.Indicators(instruments)
	}
	return decision.Context{
		ProfileID:   p.ID(),
		Persona:     p.Persona(),
		CycleAt:     at,
		Instruments: instruments,
		Reasoning:   view,
		Summary:     reasoning.Summarize(view, at),
		Influences:  s.reasoning.TradingInfluences(p.ID(), 0),
		Market:      snap,
		Indicators:  indicators,
		Margin:      ms.Limit(p, at),
		Pending:     s.pending.Summary(p.ID()),
	}
}

// apply 执行决策。本地风控拒绝不会联系交易所，而是把决策改写为带原因的 no-op。
func (s *Scheduler) apply(ctx context.Context, p *profile.Profile, limit margin.Limit, res *ProfileResult) {
	dec := &res.Decision
	if dec.ID == "" {
		dec.ID = uuid.NewString()
	}
	if err := dec.Validate(); err != nil {
		s.rejectLocally(res, "invalid decision: "+err.Error())
		return
	}
	if spec, ok := dec.OrderNotional(); ok {
		if reason := s.riskCheck(spec, limit); reason != "" {
			s.rejectLocally(res, reason)
			return
		}
	}
	if err := ctx.Err(); err != nil {
		res.Status = StatusTimeout
		*dec = decision.Noop(p.ID(), dec.CycleAt, "timeout")
		return
	}

	switch dec.Action {
	case decision.ActionPlaceOrder:
		out := s.dispatcher.Dispatch(ctx, dec.ID, p.ID(), *dec.Order)
		res.Outcome = &out
	case decision.ActionCreatePending:
		req := *dec.Pending
		req.ProfileID = p.ID()
		if req.Reasoning == "" {
			req.Reasoning = dec.Reason
		}
		rec, err := s.pending.Create(ctx, req)
		if err != nil {
			s.rejectLocally(res, "pending action rejected: "+err.Error())
			return
		}
		res.Pending = &rec
	case decision.ActionCancelPending:
		rec, err := s.pending.Get(dec.CancelID)
		if err != nil || rec.ProfileID != p.ID() {
			s.rejectLocally(res, fmt.Sprintf("pending action %s not found for profile", dec.CancelID))
			return
		}
		st, err := s.pending.Cancel(ctx, dec.CancelID)
		if err != nil {
			s.rejectLocally(res, "cancel failed: "+err.Error())
			return
		}
		rec.Status = st
		res.Pending = &rec
	}
}

func (s *Scheduler) riskCheck(spec types.OrderSpec, limit margin.Limit) string {
	if !limit.Fresh {
		return "order capped at zero: " + limit.Reason
	}
	if s.minNotional.IsPositive() && spec.Notional.LessThan(s.minNotional) {
		return fmt.Sprintf("below minimum size: notional %s < %s", spec.Notional.StringFixed(2), s.minNotional.String())
	}
	if spec.Notional.GreaterThan(limit.MaxNotional) {
		return fmt.Sprintf("exceeds margin cap: notional %s > max %s", spec.Notional.StringFixed(2), limit.MaxNotional.StringFixed(2))
	}
	return ""
}

func (s *Scheduler) rejectLocally(res *ProfileResult, reason string) {
	orig := res.Decision
	res.Decision = decision.Noop(orig.ProfileID, orig.CycleAt, reason)
	res.Decision.ID = orig.ID
	res.Decision.Confidence = orig.Confidence
	res.Error = reason
	logger.ForProfile(orig.ProfileID).Info("decision rejected locally", "decision_id", orig.ID, "wanted", orig.Describe(), "reason", reason)
}

// finish 记录决策条目、发布事件并更新指标；每个周期结局都会留下推理记录。
func (s *Scheduler) finish(ctx context.Context, p *profile.Profile, res *ProfileResult, markCycle bool) {
	dec := res.Decision
	payload := map[string]any{
		"decision_id": dec.ID,
		"action":      string(dec.Action),
		"status":      string(res.Status),
	}
	if res.Outcome != nil {
		payload["outcome"] = string(res.Outcome.Status)
	}
	if res.Pending != nil {
		payload["pending_id"] = res.Pending.ID
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	s.appendEntry(ctx, reasoning.Entry{
		ProfileID:  p.ID(),
		Category:   reasoning.CategoryDecision,
		Source:     "scheduler",
		Content:    dec.Describe(),
		Payload:    payload,
		Confidence: confidenceOr(dec.Confidence),
		Related:    []string{dec.ID},
	})
	if markCycle {
		s.profiles.MarkCycle(p.ID(), dec.CycleAt)
	}
	s.metrics.RecordCycle(string(res.Status), res.Duration)
	if s.publisher != nil {
		s.publisher.Publish(events.Event{
			Type:      events.TradeDecision,
			ProfileID: p.ID(),
			Data:      map[string]any{"result": *res},
			Meta:      events.Meta{CorrelationID: dec.ID},
		})
	}
}

func (s *Scheduler) appendEntry(ctx context.Context, e reasoning.Entry) {
	if _, err := s.reasoning.Append(context.WithoutCancel(ctx), e); err != nil {
		logger.ForProfile(e.ProfileID).Warn("append reasoning entry failed", "category", e.Category, "error", err)
	}
}

func confidenceOr(c float64) float64 {
	if c <= 0 || c > 1 {
		return reasoning.DefaultConfidence
	}
	return c
}
