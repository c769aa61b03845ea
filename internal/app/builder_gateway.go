package app

import (
	"context"
	"fmt"
	"strings"

	arenacfg "arena/internal/config"
	"arena/internal/executor"
	"arena/internal/gateway/account"
	"arena/internal/gateway/binance"
	"arena/internal/gateway/exchange"
	"arena/internal/gateway/llm"
	"arena/internal/gateway/notifier"
	"arena/internal/logger"
	"arena/internal/margin"
	"arena/internal/market"

	"github.com/shopspring/decimal"
)

func buildMarketProvider(cfg arenacfg.MarketConfig) (market.Provider, error) {
	switch cfg.Source {
	case "static":
		quotes := make(map[string]market.Quote, len(cfg.StaticPrices))
		for sym, px := range cfg.StaticPrices {
			quotes[market.NormalizeSymbol(sym)] = market.Quote{Price: px, Available: px > 0}
		}
		logger.Infof("✓ 行情源: static (%d 个标的)", len(quotes))
		return market.ProviderFunc(func(context.Context) (map[string]market.Quote, error) {
			out := make(map[string]market.Quote, len(quotes))
			for k, v := range quotes {
				out[k] = v
			}
			return out, nil
		}), nil
	default:
		src, err := binance.New(binance.Config{
			RESTBaseURL:  cfg.RESTBaseURL,
			HTTPTimeout:  cfg.HTTPTimeout(),
			Symbols:      cfg.Symbols,
			ProxyEnabled: strings.TrimSpace(cfg.Proxy) != "",
			RESTProxyURL: cfg.Proxy,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 binance 行情失败: %w", err)
		}
		logger.Infof("✓ 行情源: binance %s symbols=%v", cfg.RESTBaseURL, cfg.Symbols)
		return src, nil
	}
}

// buildBalanceProvider 未配置 provider_url 时每个账户使用固定的模拟权益。
func buildBalanceProvider(cfg arenacfg.MarginConfig) margin.Provider {
	if strings.TrimSpace(cfg.ProviderURL) == "" {
		eq := decimal.NewFromFloat(cfg.PaperEquity)
		logger.Infof("✓ 账户权益: 模拟 %s USD/账户", eq.String())
		return account.Static{Balance: margin.Balance{Equity: eq, FreeMargin: eq}}
	}
	logger.Infof("✓ 账户权益: %s", cfg.ProviderURL)
	return account.NewREST(account.Config{
		BaseURL: cfg.ProviderURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.PollInterval() / 2,
	})
}

func buildExchange(cfg arenacfg.DispatchConfig) (executor.Exchange, error) {
	if !cfg.Live() {
		return exchange.NewPaper(decimal.NewFromFloat(cfg.MinNotionalUSD)), nil
	}
	if strings.TrimSpace(cfg.ExchangeURL) == "" {
		return nil, fmt.Errorf("dispatch.exchange_url is required in live mode")
	}
	return exchange.NewREST(exchange.RESTConfig{
		BaseURL: cfg.ExchangeURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout(),
	}), nil
}

// buildLLMClient 未配置推理服务或模型名为空时返回 nil。
func buildLLMClient(cfg arenacfg.AIConfig, model string) *llm.Client {
	if !cfg.Enabled() || strings.TrimSpace(model) == "" {
		return nil
	}
	return llm.NewClient(llm.Config{
		BaseURL:     cfg.APIURL,
		APIKey:      cfg.APIKey,
		Model:       model,
		Timeout:     cfg.Timeout(),
		Temperature: cfg.Temperature,
		MaxRetries:  cfg.MaxRetries,
	})
}

func buildNotifier(cfg arenacfg.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notifier.Nop{}
	}
	logger.Infof("✓ Telegram 通知已启用")
	return notifier.NewTelegram(tg.BotToken, tg.ChatID, tg.BaseURL)
}
