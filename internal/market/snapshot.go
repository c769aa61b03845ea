package market

import (
	"context"
	"sort"
	"time"

	"arena/internal/pkg/symbol"
)

// Quote 是单个标的在某一时刻的价格视图。
type Quote struct {
	Price     float64  `json:"price"`
	Change24h *float64 `json:"change_24h,omitempty"`
	Available bool     `json:"available"`
}

// Snapshot 一经发布即不可变，由下一次刷新整体替换。
type Snapshot struct {
	Seq    uint64           `json:"seq"`
	At     time.Time        `json:"at"`
	Quotes map[string]Quote `json:"quotes"`
}

// Quote 返回某个标的的报价；不存在或不可交易时 ok=false。
func (s *Snapshot) Quote(instrument string) (Quote, bool) {
	if s == nil {
		return Quote{}, false
	}
	q, ok := s.Quotes[NormalizeSymbol(instrument)]
	if !ok || !q.Available {
		return q, false
	}
	return q, true
}

// Instruments 按字母序列出快照中的标的。
func (s *Snapshot) Instruments() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Quotes))
	for sym := range s.Quotes {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Age 快照距 now 的时长。
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.At)
}

// Provider 是外部行情源。实现方在出错时返回 error，不得 panic。
type Provider interface {
	GetSnapshot(ctx context.Context) (map[string]Quote, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (map[string]Quote, error)

func (f ProviderFunc) GetSnapshot(ctx context.Context) (map[string]Quote, error) { return f(ctx) }

// NormalizeSymbol 统一为大写并去除 USDT/USD 计价后缀，BTCUSDT 与 btc 视为同一标的。
func NormalizeSymbol(s string) string {
	return symbol.Base(s)
}
