package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"arena/internal/margin"
	"arena/internal/market"
	"arena/internal/pending"
	"arena/internal/profile"
	"arena/internal/reasoning"
	"arena/internal/types"
)

// Action 是一次决策周期可选的动作。
type Action string

const (
	ActionNoop          Action = "noop"
	ActionPlaceOrder    Action = "place_order"
	ActionCreatePending Action = "create_pending"
	ActionCancelPending Action = "cancel_pending"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionNoop, ActionPlaceOrder, ActionCreatePending, ActionCancelPending:
		return a, nil
	case "", "hold", "no-op", "no_op":
		return ActionNoop, nil
	default:
		return "", fmt.Errorf("unknown decision action %q", s)
	}
}

// Decision 是单个 profile 一次周期的输出，最多一个动作。
type Decision struct {
	ID          string                 `json:"id"`
	ProfileID   string                 `json:"profile_id"`
	CycleAt     time.Time              `json:"cycle_at"`
	Action      Action                 `json:"action"`
	Order       *types.OrderSpec       `json:"order,omitempty"`
	Pending     *pending.CreateRequest `json:"pending,omitempty"`
	CancelID    string                 `json:"cancel_id,omitempty"`
	Confidence  float64                `json:"confidence"`
	Reason      string                 `json:"reason,omitempty"`
	Observation string                 `json:"observation,omitempty"`
}

// Noop 构造一个带原因的空决策。
func Noop(profileID string, at time.Time, reason string) Decision {
	return Decision{ProfileID: profileID, CycleAt: at, Action: ActionNoop, Reason: reason}
}

// Validate 检查动作与参数是否匹配，不涉及风控。
func (d Decision) Validate() error {
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1], got %v", d.Confidence)
	}
	switch d.Action {
	case ActionNoop:
		return nil
	case ActionPlaceOrder:
		if d.Order == nil {
			return errors.New("place_order requires order")
		}
		return d.Order.Validate()
	case ActionCreatePending:
		if d.Pending == nil {
			return errors.New("create_pending requires pending")
		}
		if err := d.Pending.Predicate.Validate(); err != nil {
			return err
		}
		return nil
	case ActionCancelPending:
		if strings.TrimSpace(d.CancelID) == "" {
			return errors.New("cancel_pending requires cancel_id")
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
}

// OrderNotional 返回决策涉及的下单金额，用于本地风控。
func (d Decision) OrderNotional() (types.OrderSpec, bool) {
	switch {
	case d.Action == ActionPlaceOrder && d.Order != nil:
		return *d.Order, true
	case d.Action == ActionCreatePending && d.Pending != nil:
		return d.Pending.Order, true
	}
	return types.OrderSpec{}, false
}

func (d Decision) Describe() string {
	var s string
	switch d.Action {
	case ActionPlaceOrder:
		if d.Order == nil {
			s = "place <missing order>"
			break
		}
		s = "place " + d.Order.String()
	case ActionCreatePending:
		if d.Pending == nil {
			s = "create <missing pending action>"
			break
		}
		s = fmt.Sprintf("create %s on %s when %s -> %s", d.Pending.Kind, d.Pending.Instrument, d.Pending.Predicate.String(), d.Pending.Order.String())
	case ActionCancelPending:
		s = "cancel pending " + d.CancelID
	default:
		s = "no-op"
	}
	if d.Reason != "" {
		s += ": " + d.Reason
	}
	return s
}

// Context 是决策函数的输入，在周期开始时一次性捕获，决策过程中不再重读。
type Context struct {
	ProfileID   string
	Persona     profile.Persona
	CycleAt     time.Time
	Instruments []string
	Reasoning   []reasoning.Entry
	Summary     string
	Influences  []reasoning.Influence
	Market      *market.Snapshot
	Indicators  map[string]float64
	Margin      margin.Limit
	Pending     pending.Summary
}

// Decider 是外部推理方（LLM 或规则引擎），可能失败或超时，必须遵守 ctx。
type Decider interface {
	Decide(ctx context.Context, in Context) (Decision, error)
}

type DeciderFunc func(ctx context.Context, in Context) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, in Context) (Decision, error) { return f(ctx, in) }

// Hold 在未配置推理服务时使用，总是返回 no-op。
type Hold struct{}

func (Hold) Decide(_ context.Context, in Context) (Decision, error) {
	return Noop(in.ProfileID, in.CycleAt, "no decider configured"), nil
}
