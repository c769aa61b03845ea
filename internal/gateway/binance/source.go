package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"arena/internal/logger"
	"arena/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

// Source 基于 go-binance 24h ticker 实现 market.Provider。
type Source struct {
	cfg    Config
	client *futures.Client
	wanted map[string]struct{}
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	wanted := make(map[string]struct{}, len(final.Symbols))
	for _, s := range final.Symbols {
		wanted[s] = struct{}{}
	}
	return &Source{cfg: final, client: client, wanted: wanted}, nil
}

// GetSnapshot 一次请求拉取全部 24h 统计；配置但缺失的标的标记为不可用。
func (s *Source) GetSnapshot(ctx context.Context) (map[string]market.Quote, error) {
	stats, err := s.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance 24h ticker: %w", err)
	}
	out := make(map[string]market.Quote, len(s.wanted))
	for _, st := range stats {
		if st == nil {
			continue
		}
		sym := strings.ToUpper(st.Symbol)
		if len(s.wanted) > 0 {
			if _, ok := s.wanted[sym]; !ok {
				continue
			}
		} else if !strings.HasSuffix(sym, "USDT") {
			continue
		}
		out[sym] = toQuote(sym, st.LastPrice, st.PriceChangePercent)
	}
	for sym := range s.wanted {
		if _, ok := out[sym]; !ok {
			out[sym] = market.Quote{Available: false}
		}
	}
	return out, nil
}

func toQuote(sym, lastPrice, changePct string) market.Quote {
	price, err := strconv.ParseFloat(lastPrice, 64)
	if err != nil || price <= 0 {
		logger.Debugf("binance %s invalid last price %q", sym, lastPrice)
		return market.Quote{Available: false}
	}
	q := market.Quote{Price: price, Available: true}
	if chg, err := strconv.ParseFloat(changePct, 64); err == nil {
		q.Change24h = &chg
	}
	return q
}
