// Package account 查询账户权益与可用保证金。
package account

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"arena/internal/margin"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// REST 通过账户网关的 GET /accounts/{ref}/balance 读取余额。
type REST struct {
	client *resty.Client
}

var _ margin.Provider = (*REST)(nil)

func NewREST(cfg Config) *REST {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &REST{client: client}
}

func (r *REST) GetEquityAndFreeMargin(ctx context.Context, accountRef string) (margin.Balance, error) {
	ref := strings.TrimSpace(accountRef)
	if ref == "" {
		return margin.Balance{}, fmt.Errorf("account ref is empty")
	}
	resp, err := r.client.R().SetContext(ctx).Get("/accounts/" + url.PathEscape(ref) + "/balance")
	if err != nil {
		return margin.Balance{}, fmt.Errorf("get balance %s: %w", ref, err)
	}
	if resp.IsError() {
		return margin.Balance{}, fmt.Errorf("get balance %s: status=%d", ref, resp.StatusCode())
	}
	return ParseBalance(resp.Body())
}

// ParseBalance 兼容常见的余额字段命名：总权益取 equity/balance/total，
// 可用保证金取 free_margin/available/stake_balance，缺失时用 总额-已用。
func ParseBalance(body []byte) (margin.Balance, error) {
	if !gjson.ValidBytes(body) {
		return margin.Balance{}, fmt.Errorf("balance response is not json")
	}
	root := gjson.ParseBytes(body)
	if d := root.Get("data"); d.IsObject() {
		root = d
	}
	equity, okEq := firstDecimal(root, "equity", "balance", "total")
	if !okEq {
		return margin.Balance{}, fmt.Errorf("balance response has no equity field")
	}
	free, okFree := firstDecimal(root, "free_margin", "free_collateral", "available", "stake_balance")
	if !okFree {
		used, _ := firstDecimal(root, "used", "used_margin")
		free = equity.Sub(used)
	}
	if free.IsNegative() {
		free = decimal.Zero
	}
	return margin.Balance{Equity: equity, FreeMargin: free}, nil
}

func firstDecimal(r gjson.Result, paths ...string) (decimal.Decimal, bool) {
	for _, p := range paths {
		v := r.Get(p)
		if !v.Exists() || v.String() == "" {
			continue
		}
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			continue
		}
		return d, true
	}
	return decimal.Zero, false
}

// Static 返回固定余额，供 paper 模式使用。
type Static struct {
	Balance margin.Balance
}

func (s Static) GetEquityAndFreeMargin(context.Context, string) (margin.Balance, error) {
	return s.Balance, nil
}
