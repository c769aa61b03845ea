package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts buy/sell and the long/short aliases.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown order side %q", s)
	}
}

// OrderType 订单类型。
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderSpec 是一笔待发送订单的完整描述，Notional 以 USD 计。
type OrderSpec struct {
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Notional   decimal.Decimal `json:"notional"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	Leverage   int             `json:"leverage,omitempty"`
	ReduceOnly bool            `json:"reduce_only,omitempty"`
}

// Validate checks the locally verifiable shape of the spec.
func (s OrderSpec) Validate() error {
	if strings.TrimSpace(s.Instrument) == "" {
		return errors.New("instrument is required")
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("invalid side %q", s.Side)
	}
	if !s.Notional.IsPositive() {
		return errors.New("notional must be positive")
	}
	if s.Type == OrderLimit && !s.LimitPrice.IsPositive() {
		return errors.New("limit order requires limit_price")
	}
	return nil
}

func (s OrderSpec) String() string {
	typ := s.Type
	if typ == "" {
		typ = OrderMarket
	}
	out := fmt.Sprintf("%s %s %s $%s", typ, s.Side, s.Instrument, s.Notional.StringFixed(2))
	if typ == OrderLimit {
		out += " @ " + s.LimitPrice.String()
	}
	if s.ReduceOnly {
		out += " reduce-only"
	}
	return out
}

// OutcomeStatus 下单结果分类。
type OutcomeStatus string

const (
	OutcomeAccepted OutcomeStatus = "accepted"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeUnknown  OutcomeStatus = "unknown"
)

// Outcome 是一次 dispatch 的终态结果。
type Outcome struct {
	DecisionID string        `json:"decision_id"`
	ProfileID  string        `json:"profile_id"`
	Status     OutcomeStatus `json:"status"`
	OrderID    string        `json:"order_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Spec       OrderSpec     `json:"spec"`
	At         time.Time     `json:"at"`
}

// Terminal reports whether the exchange side is known.
func (o Outcome) Terminal() bool {
	return o.Status == OutcomeAccepted || o.Status == OutcomeRejected
}

// Rejection 表示交易所或本地风控的明确拒绝，不应重试。
type Rejection struct {
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Code == "" {
		return "rejected: " + r.Reason
	}
	return fmt.Sprintf("rejected (%s): %s", r.Code, r.Reason)
}

// Reject builds a *Rejection.
func Reject(code, reason string) error {
	return &Rejection{Code: code, Reason: reason}
}

// AsRejection unwraps err into a *Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// ExecResult 是执行端对一次下单请求的回执。
type ExecResult struct {
	OrderID string
	Status  OutcomeStatus
	Reason  string
}

// OrderRequest 是发往执行端的下单请求。ClientOrderID 使用决策 id，便于交易所侧去重。
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	AccountRef    string    `json:"account_ref"`
	Spec          OrderSpec `json:"spec"`
}
