// Package symbol 在内部标的名（BTC）与交易所交易对（BTCUSDT）之间转换。
package symbol

import (
	"strings"
)

// DefaultQuote 是行情与下单使用的计价币。
const DefaultQuote = "USDT"

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "USD"}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return s.Base
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Binance() string {
	if s.Base == "" {
		return ""
	}
	quote := s.Quote
	if quote == "" {
		quote = DefaultQuote
	}
	return s.Base + quote
}

// Parse 接受 btc、BTCUSDT、BTC/USDT、ETH-USD、BTC/USDT:USDT 等写法。
// 未识别计价币时 Quote 为空。
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Symbol{
				Base:  strings.TrimSpace(parts[0]),
				Quote: strings.TrimSpace(parts[1]),
			}
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{Base: s}
}

// Base 返回标的的内部名，BTCUSDT 与 btc 都得到 BTC。
func Base(s string) string {
	return Parse(s).Base
}

// Binance 返回 USDT 永续合约交易对名。
func Binance(s string) string {
	return Parse(s).Binance()
}

// NormalizeList 按 conv 转换并去重，保持原顺序。
func NormalizeList(symbols []string, conv func(string) string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := conv(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}
