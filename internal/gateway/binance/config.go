package binance

import (
	"strings"
	"time"

	"arena/internal/pkg/symbol"
)

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	// Symbols 为空时返回全部 USDT 永续合约。
	Symbols []string

	ProxyEnabled bool
	RESTProxyURL string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	out.Symbols = symbol.NormalizeList(out.Symbols, symbol.Binance)
	return out
}
