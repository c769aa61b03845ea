package pending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"arena/internal/events"
	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/metrics"
	"arena/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrNotFound = errors.New("pending action not found")

const (
	defaultTerminalRetention = 24 * time.Hour
	defaultDispatchWorkers   = 8
)

// Dispatcher 由执行层实现，负责把条件单转换为真实订单。
type Dispatcher interface {
	Dispatch(ctx context.Context, decisionID, profileID string, spec types.OrderSpec) types.Outcome
}

// Persister 持久化条件单状态变化。
type Persister interface {
	SavePendingAction(ctx context.Context, r Record) error
	LoadActivePendingActions(ctx context.Context) ([]Record, error)
}

// Publisher 接收条件单生命周期事件。
type Publisher interface {
	Publish(e events.Event) events.Event
}

type EngineParams struct {
	Dispatcher        Dispatcher
	Persister         Persister
	Publisher         Publisher
	Metrics           *metrics.Recorder
	TerminalRetention time.Duration
	DispatchWorkers   int
}

// Engine 管理条件单的完整生命周期。
//
// 状态迁移只通过 Action.transition 的 CAS 完成；engine.mu 仅保护索引，
// 评估与下单都在锁外进行。
type Engine struct {
	dispatcher Dispatcher
	persister  Persister
	publisher  Publisher
	metrics    *metrics.Recorder
	retention  time.Duration
	workers    int
	nowFn      func() time.Time

	mu           sync.RWMutex
	actions      map[string]*Action
	byInstrument map[string]map[string]*Action
	byProfile    map[string]map[string]*Action
}

func NewEngine(p EngineParams) *Engine {
	if p.TerminalRetention <= 0 {
		p.TerminalRetention = defaultTerminalRetention
	}
	if p.DispatchWorkers <= 0 {
		p.DispatchWorkers = defaultDispatchWorkers
	}
	return &Engine{
		dispatcher:   p.Dispatcher,
		persister:    p.Persister,
		publisher:    p.Publisher,
		metrics:      p.Metrics,
		retention:    p.TerminalRetention,
		workers:      p.DispatchWorkers,
		nowFn:        time.Now,
		actions:      make(map[string]*Action),
		byInstrument: make(map[string]map[string]*Action),
		byProfile:    make(map[string]map[string]*Action),
	}
}

// CreateRequest 描述一个新条件单。Deadline 为零值表示永不过期。
type CreateRequest struct {
	ProfileID  string          `json:"profile_id"`
	Instrument string          `json:"instrument"`
	Kind       Kind            `json:"kind"`
	Predicate  Predicate       `json:"predicate"`
	Order      types.OrderSpec `json:"order"`
	Deadline   time.Time       `json:"deadline,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// Create 校验并登记一个 active 条件单。
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Record, error) {
	now := e.nowFn()
	a, err := e.build(req, now)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	e.index(a)
	e.mu.Unlock()

	rec := a.Record()
	e.persist(ctx, rec)
	e.metrics.RecordPendingTransition(string(StatusActive))
	e.publish(events.PendingCreated, rec, nil)
	logger.ForProfile(a.ProfileID).Info("pending action created",
		"action_id", a.ID, "kind", a.Kind, "instrument", a.Instrument, "predicate", a.Predicate.String())
	return rec, nil
}

func (e *Engine) build(req CreateRequest, now time.Time) (*Action, error) {
	profileID := strings.TrimSpace(req.ProfileID)
	if profileID == "" {
		return nil, errors.New("profile id is required")
	}
	inst := market.NormalizeSymbol(req.Instrument)
	if inst == "" {
		inst = market.NormalizeSymbol(req.Order.Instrument)
	}
	if inst == "" {
		return nil, errors.New("instrument is required")
	}
	order := req.Order
	if order.Instrument == "" {
		order.Instrument = inst
	} else if market.NormalizeSymbol(order.Instrument) != inst {
		return nil, fmt.Errorf("order instrument %s does not match action instrument %s", order.Instrument, inst)
	}
	order.Instrument = inst
	if order.Type == "" {
		order.Type = types.OrderMarket
	}
	pred := req.Predicate.normalized()
	if err := pred.Validate(); err != nil {
		return nil, err
	}
	kind, err := ParseKind(string(req.Kind))
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = KindLimitOrder
		if pred.Field == FieldTime {
			kind = KindScheduled
		}
	}
	if kind.reducesPosition() {
		order.ReduceOnly = true
	}
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order spec: %w", err)
	}
	if !req.Deadline.IsZero() && !req.Deadline.After(now) {
		return nil, errors.New("deadline must be in the future")
	}
	a := &Action{
		ID:         uuid.NewString(),
		ProfileID:  profileID,
		Instrument: inst,
		Kind:       kind,
		Predicate:  pred,
		Order:      order,
		Reasoning:  strings.TrimSpace(req.Reasoning),
		Deadline:   req.Deadline,
		CreatedAt:  now,
	}
	a.status.Store(codeOf(StatusActive))
	return a, nil
}

// index 需持有 e.mu 写锁。
func (e *Engine) index(a *Action) {
	e.actions[a.ID] = a
	if e.byProfile[a.ProfileID] == nil {
		e.byProfile[a.ProfileID] = make(map[string]*Action)
	}
	e.byProfile[a.ProfileID][a.ID] = a
	if a.Status() == StatusActive {
		if e.byInstrument[a.Instrument] == nil {
			e.byInstrument[a.Instrument] = make(map[string]*Action)
		}
		e.byInstrument[a.Instrument][a.ID] = a
	}
}

func (e *Engine) unindexActive(ids ...*Action) {
	e.mu.Lock()
	for _, a := range ids {
		if m := e.byInstrument[a.Instrument]; m != nil {
			delete(m, a.ID)
			if len(m) == 0 {
				delete(e.byInstrument, a.Instrument)
			}
		}
	}
	e.mu.Unlock()
}

// Cancel 取消 active 条件单。对已终态的条件单不报错，返回其实际状态。
func (e *Engine) Cancel(ctx context.Context, id string) (Status, error) {
	a, ok := e.lookup(id)
	if !ok {
		return "", ErrNotFound
	}
	now := e.nowFn()
	to := StatusCancelled
	if a.expiredAt(now) {
		to = StatusExpired
	}
	if !a.transition(StatusActive, to, now) {
		return a.Status(), nil
	}
	e.unindexActive(a)
	e.afterClose(ctx, a)
	return to, nil
}

func (e *Engine) afterClose(ctx context.Context, a *Action) {
	rec := a.Record()
	e.persist(ctx, rec)
	e.metrics.RecordPendingTransition(string(rec.Status))
	typ := events.PendingCancelled
	if rec.Status == StatusExpired {
		typ = events.PendingExpired
	}
	e.publish(typ, rec, nil)
	logger.ForProfile(a.ProfileID).Info("pending action closed", "action_id", a.ID, "status", rec.Status)
}

// EvalReport 汇总一次 Evaluate 的结果。
type EvalReport struct {
	Seq      uint64          `json:"seq"`
	Fired    []string        `json:"fired,omitempty"`
	Expired  []string        `json:"expired,omitempty"`
	Outcomes []types.Outcome `json:"outcomes,omitempty"`
}

// Evaluate 用新快照检查所有 active 条件单。
//
// 条件成立的条件单通过 CAS 迁移为 fired，只有赢家会下单；
// 并发的 Evaluate 不会重复触发。下单失败不重试，条件单保持 fired。
func (e *Engine) Evaluate(ctx context.Context, snap *market.Snapshot) EvalReport {
	report := EvalReport{}
	if snap == nil {
		return report
	}
	report.Seq = snap.Seq
	now := e.nowFn()

	var fired, expired []*Action
	for _, a := range e.candidates(snap) {
		if a.expiredAt(now) {
			if a.transition(StatusActive, StatusExpired, now) {
				expired = append(expired, a)
			}
			continue
		}
		q, ok := snap.Quote(a.Instrument)
		if !a.Predicate.Eval(q, ok, now) {
			continue
		}
		if a.transition(StatusActive, StatusFired, now) {
			fired = append(fired, a)
		}
	}
	if len(fired)+len(expired) == 0 {
		return report
	}
	e.unindexActive(append(append([]*Action(nil), fired...), expired...)...)

	for _, a := range expired {
		report.Expired = append(report.Expired, a.ID)
		e.afterClose(ctx, a)
	}
	for _, a := range fired {
		report.Fired = append(report.Fired, a.ID)
	}
	report.Outcomes = e.dispatchFired(ctx, fired, snap)
	return report
}

func (e *Engine) candidates(snap *market.Snapshot) []*Action {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Action
	for inst, set := range e.byInstrument {
		_, inSnap := snap.Quotes[inst]
		for _, a := range set {
			if inSnap || a.Predicate.Field == FieldTime || !a.Deadline.IsZero() {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) dispatchFired(ctx context.Context, fired []*Action, snap *market.Snapshot) []types.Outcome {
	outcomes := make([]types.Outcome, len(fired))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, a := range fired {
		i, a := i, a
		rec := a.Record()
		e.persist(ctx, rec)
		e.metrics.RecordPendingTransition(string(StatusFired))
		q, _ := snap.Quote(a.Instrument)
		logger.ForProfile(a.ProfileID).Info("pending action fired",
			"action_id", a.ID, "predicate", a.Predicate.String(), "price", q.Price, "snapshot_seq", snap.Seq)
		g.Go(func() error {
			var out types.Outcome
			if e.dispatcher == nil {
				out = types.Outcome{
					DecisionID: DecisionID(a.ID), ProfileID: a.ProfileID, Status: types.OutcomeRejected,
					Reason: "no dispatcher configured", Spec: a.Order, At: e.nowFn(),
				}
			} else {
				out = e.dispatcher.Dispatch(gctx, DecisionID(a.ID), a.ProfileID, a.Order)
			}
			a.setOutcome(out)
			rec := a.Record()
			e.persist(ctx, rec)
			e.publish(events.PendingFired, rec, map[string]any{"price": q.Price, "snapshot_seq": snap.Seq})
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// DecisionID 条件单触发时使用的幂等键。
func DecisionID(actionID string) string { return "pa-" + actionID }

// SweepExpired 迁移已过期的 active 条件单，并清理超出保留期的终态条件单。
func (e *Engine) SweepExpired(ctx context.Context) int {
	now := e.nowFn()
	e.mu.RLock()
	var active []*Action
	var stale []*Action
	for _, a := range e.actions {
		st := a.Status()
		if st == StatusActive {
			if a.expiredAt(now) {
				active = append(active, a)
			}
			continue
		}
		rec := a.Record()
		if rec.ClosedAt != nil && now.Sub(*rec.ClosedAt) > e.retention {
			stale = append(stale, a)
		}
	}
	e.mu.RUnlock()

	expired := 0
	for _, a := range active {
		if a.transition(StatusActive, StatusExpired, now) {
			e.unindexActive(a)
			e.afterClose(ctx, a)
			expired++
		}
	}
	if len(stale) > 0 {
		e.mu.Lock()
		for _, a := range stale {
			delete(e.actions, a.ID)
			if m := e.byProfile[a.ProfileID]; m != nil {
				delete(m, a.ID)
				if len(m) == 0 {
					delete(e.byProfile, a.ProfileID)
				}
			}
		}
		e.mu.Unlock()
	}
	return expired
}

// StartSweeper 以独立周期执行 SweepExpired。
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.SweepExpired(ctx); n > 0 {
				logger.Infof("pending sweeper expired %d actions", n)
			}
		}
	}
}

// Restore 从持久层恢复 active 条件单。
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.persister == nil {
		return 0, nil
	}
	recs, err := e.persister.LoadActivePendingActions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending actions: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range recs {
		if r.Status != StatusActive {
			continue
		}
		if _, exists := e.actions[r.ID]; exists {
			continue
		}
		e.index(actionFromRecord(r))
		n++
	}
	return n, nil
}

func (e *Engine) lookup(id string) (*Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[id]
	return a, ok
}

// Get 返回单个条件单快照。
func (e *Engine) Get(id string) (Record, error) {
	a, ok := e.lookup(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return a.Record(), nil
}

// List 返回 profile 的条件单（按创建时间排序），includeTerminal=false 时仅返回 active。
func (e *Engine) List(profileID string, includeTerminal bool) []Record {
	e.mu.RLock()
	set := e.byProfile[profileID]
	actions := make([]*Action, 0, len(set))
	for _, a := range set {
		actions = append(actions, a)
	}
	e.mu.RUnlock()

	out := make([]Record, 0, len(actions))
	for _, a := range actions {
		if !includeTerminal && a.Status() != StatusActive {
			continue
		}
		out = append(out, a.Record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Summary 按类别分组的 active 条件单。
type Summary struct {
	StopLoss   []Record `json:"stop_loss"`
	TakeProfit []Record `json:"take_profit"`
	Limit      []Record `json:"limit"`
	Other      []Record `json:"other"`
}

func (s Summary) Total() int {
	return len(s.StopLoss) + len(s.TakeProfit) + len(s.Limit) + len(s.Other)
}

func (e *Engine) Summary(profileID string) Summary {
	var s Summary
	for _, r := range e.List(profileID, false) {
		switch r.Kind {
		case KindStopLoss:
			s.StopLoss = append(s.StopLoss, r)
		case KindTakeProfit:
			s.TakeProfit = append(s.TakeProfit, r)
		case KindLimitOrder:
			s.Limit = append(s.Limit, r)
		default:
			s.Other = append(s.Other, r)
		}
	}
	return s
}

// Describe 渲染 active 条件单，用于决策上下文。
func (s Summary) Describe() string {
	if s.Total() == 0 {
		return "No active pending actions."
	}
	var b strings.Builder
	groups := []struct {
		title string
		list  []Record
	}{
		{"Stop-loss", s.StopLoss},
		{"Take-profit", s.TakeProfit},
		{"Limit", s.Limit},
		{"Other", s.Other},
	}
	for _, g := range groups {
		for _, r := range g.list {
			fmt.Fprintf(&b, "- [%s] %s when %s -> %s (id %s)\n", g.title, r.Instrument, r.Predicate.String(), r.Order.String(), r.ID)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) persist(ctx context.Context, r Record) {
	if e.persister == nil {
		return
	}
	if err := e.persister.SavePendingAction(context.WithoutCancel(ctx), r); err != nil {
		logger.ForProfile(r.ProfileID).Warn("persist pending action failed", "action_id", r.ID, "status", r.Status, "error", err)
	}
}

func (e *Engine) publish(typ events.Type, r Record, extra map[string]any) {
	if e.publisher == nil {
		return
	}
	data := map[string]any{"action": r}
	for k, v := range extra {
		data[k] = v
	}
	e.publisher.Publish(events.Event{Type: typ, ProfileID: r.ProfileID, Data: data, Meta: events.Meta{CorrelationID: r.ID}})
}
