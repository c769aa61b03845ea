package exchange

import (
	"context"
	"sync"
	"time"

	"arena/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperOrder 是模拟盘记录的订单。
type PaperOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	AccountRef    string          `json:"account_ref"`
	Spec          types.OrderSpec `json:"spec"`
	At            time.Time       `json:"at"`
}

// Paper 是本地模拟盘：立即接受合法订单，同一 client order id 返回同一订单。
type Paper struct {
	minNotional decimal.Decimal
	nowFn       func() time.Time

	mu       sync.Mutex
	orders   []PaperOrder
	byClient map[string]string
}

func NewPaper(minNotional decimal.Decimal) *Paper {
	return &Paper{minNotional: minNotional, nowFn: time.Now, byClient: make(map[string]string)}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ExecResult{}, err
	}
	if err := req.Spec.Validate(); err != nil {
		return types.ExecResult{}, types.Reject("invalid_order", err.Error())
	}
	if p.minNotional.IsPositive() && req.Spec.Notional.LessThan(p.minNotional) {
		return types.ExecResult{}, types.Reject("below_min_size", "notional below exchange minimum "+p.minNotional.String())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return types.ExecResult{OrderID: id, Status: types.OutcomeAccepted}, nil
	}
	o := PaperOrder{
		OrderID:       "paper-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		AccountRef:    req.AccountRef,
		Spec:          req.Spec,
		At:            p.nowFn(),
	}
	p.orders = append(p.orders, o)
	if req.ClientOrderID != "" {
		p.byClient[req.ClientOrderID] = o.OrderID
	}
	return types.ExecResult{OrderID: o.OrderID, Status: types.OutcomeAccepted}, nil
}

// Orders 返回已接受订单的副本。
func (p *Paper) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaperOrder(nil), p.orders...)
}
