// Package executor 把决策与条件单转换为交易所订单。
//
// Dispatch 以 decisionID 为幂等键：同一 id 的并发调用共享一次下单，
// 完成后的重复调用直接返回缓存的结果。任何结果都不会自动重试。
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"arena/internal/events"
	"arena/internal/gateway/notifier"
	"arena/internal/logger"
	"arena/internal/metrics"
	"arena/internal/profile"
	"arena/internal/reasoning"
	"arena/internal/types"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultOutcomeTTL = 24 * time.Hour
	notifyTimeout     = 15 * time.Second
)

// Exchange 是执行端。明确拒绝返回 *types.Rejection，其余错误视为结果未知。
type Exchange interface {
	Name() string
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.ExecResult, error)
}

// ProfileLookup 解析 profile 的账户。
type ProfileLookup interface {
	Get(id string) (*profile.Profile, bool)
}

// ReasoningAppender 记录每一次下单结果。
type ReasoningAppender interface {
	Append(ctx context.Context, e reasoning.Entry) (reasoning.Entry, error)
}

type Publisher interface {
	Publish(e events.Event) events.Event
}

type DispatcherParams struct {
	Exchange      Exchange
	Profiles      ProfileLookup
	Reasoning     ReasoningAppender
	Publisher     Publisher
	Notifier      notifier.TextNotifier
	Metrics       *metrics.Recorder
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	MinNotional   decimal.Decimal
	OutcomeTTL    time.Duration
}

type cachedOutcome struct {
	outcome   types.Outcome
	at        time.Time
	compacted bool
}

// Dispatcher 是幂等的下单入口。
type Dispatcher struct {
	exchange    Exchange
	profiles    ProfileLookup
	reasoning   ReasoningAppender
	publisher   Publisher
	notifier    notifier.TextNotifier
	metrics     *metrics.Recorder
	timeout     time.Duration
	limiter     *rate.Limiter
	minNotional decimal.Decimal
	ttl         time.Duration
	nowFn       func() time.Time

	flight singleflight.Group

	mu        sync.Mutex
	done      map[string]cachedOutcome
	lastPrune time.Time
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.OutcomeTTL <= 0 {
		p.OutcomeTTL = defaultOutcomeTTL
	}
	limit := rate.Inf
	if p.RatePerSecond > 0 {
		limit = rate.Limit(p.RatePerSecond)
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	if p.Notifier == nil {
		p.Notifier = notifier.Nop{}
	}
	return &Dispatcher{
		exchange:    p.Exchange,
		profiles:    p.Profiles,
		reasoning:   p.Reasoning,
		publisher:   p.Publisher,
		notifier:    p.Notifier,
		metrics:     p.Metrics,
		timeout:     p.Timeout,
		limiter:     rate.NewLimiter(limit, p.Burst),
		minNotional: p.MinNotional,
		ttl:         p.OutcomeTTL,
		nowFn:       time.Now,
		done:        make(map[string]cachedOutcome),
	}
}

// Dispatch 发送订单并返回结果。相同 decisionID 只会真正下单一次。
func (d *Dispatcher) Dispatch(ctx context.Context, decisionID, profileID string, spec types.OrderSpec) types.Outcome {
	if out, ok := d.Outcome(decisionID); ok {
		return out
	}
	v, _, _ := d.flight.Do(decisionID, func() (any, error) {
		// 上一个 flight 可能刚刚完成
		if out, ok := d.Outcome(decisionID); ok {
			return out, nil
		}
		out := d.execute(ctx, decisionID, profileID, spec)
		d.remember(out)
		d.record(ctx, out)
		return out, nil
	})
	return v.(types.Outcome)
}

// Outcome 返回已完成的结果。完成过的 id 永远有结果：
// 超过 OutcomeTTL 的条目只压缩掉订单明细，状态与订单号保留。
func (d *Dispatcher) Outcome(decisionID string) (types.Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.done[decisionID]
	if !ok {
		return types.Outcome{}, false
	}
	return c.outcome, true
}

func (d *Dispatcher) remember(out types.Outcome) {
	now := d.nowFn()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done[out.DecisionID] = cachedOutcome{outcome: out, at: now}
	if now.Sub(d.lastPrune) < d.ttl/10 {
		return
	}
	d.lastPrune = now
	for id, c := range d.done {
		if !c.compacted && now.Sub(c.at) > d.ttl {
			d.done[id] = cachedOutcome{outcome: compactOutcome(c.outcome), at: c.at, compacted: true}
		}
	}
}

func compactOutcome(o types.Outcome) types.Outcome {
	return types.Outcome{
		DecisionID: o.DecisionID,
		ProfileID:  o.ProfileID,
		Status:     o.Status,
		OrderID:    o.OrderID,
		Reason:     o.Reason,
		At:         o.At,
	}
}

func (d *Dispatcher) execute(ctx context.Context, decisionID, profileID string, spec types.OrderSpec) types.Outcome {
	out := types.Outcome{DecisionID: decisionID, ProfileID: profileID, Spec: spec}
	finish := func(status types.OutcomeStatus, orderID, reason string) types.Outcome {
		out.Status, out.OrderID, out.Reason, out.At = status, orderID, reason, d.nowFn()
		return out
	}
	if decisionID == "" {
		return finish(types.OutcomeRejected, "", "decision id is required")
	}
	if err := spec.Validate(); err != nil {
		return finish(types.OutcomeRejected, "", "invalid_order: "+err.Error())
	}
	if d.minNotional.IsPositive() && spec.Notional.LessThan(d.minNotional) {
		return finish(types.OutcomeRejected, "", fmt.Sprintf("below_min_size: notional %s < %s", spec.Notional.StringFixed(2), d.minNotional.String()))
	}
	var accountRef string
	if d.profiles != nil {
		p, ok := d.profiles.Get(profileID)
		if !ok {
			return finish(types.OutcomeRejected, "", "unknown profile")
		}
		if !p.Active() {
			return finish(types.OutcomeRejected, "", "profile inactive")
		}
		accountRef = p.AccountRef()
	}
	if d.exchange == nil {
		return finish(types.OutcomeRejected, "", "no exchange configured")
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return finish(types.OutcomeRejected, "", "not_sent: "+err.Error())
	}

	d.publish(events.TradeOrderSubmitted, out, nil)
	// 请求一旦发出就不随调用方取消，只受自身超时约束
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	res, err := d.exchange.PlaceOrder(callCtx, types.OrderRequest{ClientOrderID: decisionID, AccountRef: accountRef, Spec: spec})
	if err != nil {
		if rej, ok := types.AsRejection(err); ok {
			return finish(types.OutcomeRejected, "", rej.Error())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return finish(types.OutcomeUnknown, "", "timeout: "+err.Error())
		}
		return finish(types.OutcomeUnknown, "", err.Error())
	}
	switch res.Status {
	case types.OutcomeRejected:
		return finish(types.OutcomeRejected, res.OrderID, res.Reason)
	case types.OutcomeUnknown:
		return finish(types.OutcomeUnknown, res.OrderID, res.Reason)
	default:
		return finish(types.OutcomeAccepted, res.OrderID, res.Reason)
	}
}

func (d *Dispatcher) record(ctx context.Context, out types.Outcome) {
	d.metrics.RecordDispatch(string(out.Status))
	log := logger.ForProfile(out.ProfileID).With("decision_id", out.DecisionID, "status", out.Status, "order", out.Spec.String())
	switch out.Status {
	case types.OutcomeAccepted:
		log.Info("order accepted", "order_id", out.OrderID)
	case types.OutcomeRejected:
		log.Warn("order rejected", "reason", out.Reason)
	default:
		log.Error("order outcome unknown, not retrying", "reason", out.Reason)
	}

	if d.reasoning != nil {
		content := fmt.Sprintf("%s: %s", out.Status, out.Spec.String())
		if out.OrderID != "" {
			content += " (order " + out.OrderID + ")"
		}
		if out.Reason != "" {
			content += " - " + out.Reason
		}
		_, err := d.reasoning.Append(context.WithoutCancel(ctx), reasoning.Entry{
			ProfileID:  out.ProfileID,
			Category:   reasoning.CategoryOutcome,
			Source:     "executor",
			Content:    content,
			Confidence: 1,
			Related:    []string{out.DecisionID},
			Payload: map[string]any{
				"decision_id": out.DecisionID,
				"status":      string(out.Status),
				"order_id":    out.OrderID,
				"reason":      out.Reason,
				"order":       out.Spec,
			},
		})
		if err != nil {
			log.Warn("append outcome entry failed", "error", err)
		}
	}

	typ := events.TradeOrderAccepted
	switch out.Status {
	case types.OutcomeRejected:
		typ = events.TradeOrderRejected
	case types.OutcomeUnknown:
		typ = events.TradeOrderUnknown
	}
	d.publish(typ, out, map[string]any{"outcome": out})

	if out.Status == types.OutcomeUnknown {
		go func(msg string) {
			nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := d.notifier.SendText(nctx, msg); err != nil {
				logger.Warnf("notify unknown outcome %s failed: %v", out.DecisionID, err)
			}
		}(notifier.UnknownOutcome(out).Markdown())
	}
}

func (d *Dispatcher) publish(typ events.Type, out types.Outcome, data map[string]any) {
	if d.publisher == nil {
		return
	}
	if data == nil {
		data = map[string]any{"order": out.Spec}
	}
	d.publisher.Publish(events.Event{
		Type:      typ,
		ProfileID: out.ProfileID,
		Data:      data,
		Meta:      events.Meta{CorrelationID: out.DecisionID},
	})
}
