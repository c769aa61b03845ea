package pending

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/types"
)

// Kind 条件单类别。
type Kind string

const (
	KindStopLoss      Kind = "stop_loss"
	KindTakeProfit    Kind = "take_profit"
	KindLimitOrder    Kind = "limit_order"
	KindMarketOrder   Kind = "market_order"
	KindClosePosition Kind = "close_position"
	KindScheduled     Kind = "scheduled"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindStopLoss, KindTakeProfit, KindLimitOrder, KindMarketOrder, KindClosePosition, KindScheduled:
		return k, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown pending action kind %q", s)
	}
}

func (k Kind) reducesPosition() bool {
	return k == KindStopLoss || k == KindTakeProfit || k == KindClosePosition
}

// Status 条件单状态。active 是唯一的非终态。
type Status string

const (
	StatusActive    Status = "active"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

func (s Status) Terminal() bool { return s != StatusActive }

var statusCodes = []Status{StatusActive, StatusFired, StatusCancelled, StatusExpired}

func codeOf(s Status) int32 {
	for i, v := range statusCodes {
		if v == s {
			return int32(i)
		}
	}
	return 0
}

// Action 是引擎持有的条件单。除状态与结果外的字段创建后不再修改。
type Action struct {
	ID         string
	ProfileID  string
	Instrument string
	Kind       Kind
	Predicate  Predicate
	Order      types.OrderSpec
	Reasoning  string
	Deadline   time.Time
	CreatedAt  time.Time

	status atomic.Int32

	mu       sync.Mutex
	firedAt  time.Time
	closedAt time.Time
	outcome  *types.Outcome
}

func (a *Action) Status() Status { return statusCodes[a.status.Load()] }

// transition 单赢家状态迁移：只有一个调用方能把 from 改成 to。
func (a *Action) transition(from, to Status, at time.Time) bool {
	if !a.status.CompareAndSwap(codeOf(from), codeOf(to)) {
		return false
	}
	a.mu.Lock()
	if to == StatusFired {
		a.firedAt = at
	}
	a.closedAt = at
	a.mu.Unlock()
	return true
}

func (a *Action) setOutcome(o types.Outcome) {
	a.mu.Lock()
	a.outcome = &o
	a.mu.Unlock()
}

func (a *Action) expiredAt(now time.Time) bool {
	return !a.Deadline.IsZero() && !now.Before(a.Deadline)
}

// Record 是条件单的只读快照，同时用作持久化与 API 输出格式。
type Record struct {
	ID         string          `json:"id"`
	ProfileID  string          `json:"profile_id"`
	Instrument string          `json:"instrument"`
	Kind       Kind            `json:"kind"`
	Predicate  Predicate       `json:"predicate"`
	Order      types.OrderSpec `json:"order"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Status     Status          `json:"status"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FiredAt    *time.Time      `json:"fired_at,omitempty"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
	Outcome    *types.Outcome  `json:"outcome,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (a *Action) Record() Record {
	r := Record{
		ID:         a.ID,
		ProfileID:  a.ProfileID,
		Instrument: a.Instrument,
		Kind:       a.Kind,
		Predicate:  a.Predicate,
		Order:      a.Order,
		Reasoning:  a.Reasoning,
		Status:     a.Status(),
		CreatedAt:  a.CreatedAt,
	}
	if !a.Deadline.IsZero() {
		d := a.Deadline
		r.Deadline = &d
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.firedAt.IsZero() {
		t := a.firedAt
		r.FiredAt = &t
	}
	if !a.closedAt.IsZero() {
		t := a.closedAt
		r.ClosedAt = &t
	}
	if a.outcome != nil {
		o := *a.outcome
		r.Outcome = &o
		if o.Status != types.OutcomeAccepted {
			r.Error = o.Reason
		}
	}
	return r
}

func actionFromRecord(r Record) *Action {
	a := &Action{
		ID:         r.ID,
		ProfileID:  r.ProfileID,
		Instrument: r.Instrument,
		Kind:       r.Kind,
		Predicate:  r.Predicate,
		Order:      r.Order,
		Reasoning:  r.Reasoning,
		CreatedAt:  r.CreatedAt,
	}
	if r.Deadline != nil {
		a.Deadline = *r.Deadline
	}
	a.status.Store(codeOf(r.Status))
	if r.FiredAt != nil {
		a.firedAt = *r.FiredAt
	}
	if r.ClosedAt != nil {
		a.closedAt = *r.ClosedAt
	}
	if r.Outcome != nil {
		o := *r.Outcome
		a.outcome = &o
	}
	return a
}
