package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"arena/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// RESTConfig 交易网关配置。
type RESTConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// REST 通过 HTTP 网关下单。不做自动重试：超时后订单状态未知，重试可能重复成交。
type REST struct {
	client *resty.Client
}

func NewREST(cfg RESTConfig) *REST {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &REST{client: client}
}

func (r *REST) Name() string { return "rest" }

type orderPayload struct {
	ClientOrderID string `json:"client_order_id"`
	Account       string `json:"account"`
	Instrument    string `json:"instrument"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Notional      string `json:"notional"`
	LimitPrice    string `json:"limit_price,omitempty"`
	Leverage      int    `json:"leverage,omitempty"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
}

func (r *REST) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.ExecResult, error) {
	spec := req.Spec
	payload := orderPayload{
		ClientOrderID: req.ClientOrderID,
		Account:       req.AccountRef,
		Instrument:    spec.Instrument,
		Side:          string(spec.Side),
		Type:          string(spec.Type),
		Notional:      spec.Notional.StringFixed(2),
		Leverage:      spec.Leverage,
		ReduceOnly:    spec.ReduceOnly,
	}
	if spec.Type == types.OrderLimit {
		payload.LimitPrice = spec.LimitPrice.String()
	}
	resp, err := r.client.R().SetContext(ctx).SetBody(payload).Post("/orders")
	if err != nil {
		return types.ExecResult{}, fmt.Errorf("place order: %w", err)
	}
	body := resp.Body()
	code := resp.StatusCode()
	switch {
	case code >= 500:
		return types.ExecResult{}, fmt.Errorf("exchange status=%d: %s", code, truncate(string(body), 200))
	case code >= 400:
		return types.ExecResult{}, rejectionFrom(body, code)
	}

	parsed := gjson.ParseBytes(body)
	status := strings.ToLower(parsed.Get("status").String())
	orderID := firstString(parsed, "order_id", "id", "data.order_id")
	switch status {
	case "rejected", "canceled", "cancelled", "expired":
		return types.ExecResult{}, rejectionFrom(body, code)
	case "", "accepted", "new", "filled", "partially_filled", "open":
		if orderID == "" {
			return types.ExecResult{}, fmt.Errorf("exchange accepted without order id: %s", truncate(string(body), 200))
		}
		return types.ExecResult{OrderID: orderID, Status: types.OutcomeAccepted}, nil
	default:
		return types.ExecResult{OrderID: orderID, Status: types.OutcomeUnknown, Reason: "exchange status " + status}, nil
	}
}

func rejectionFrom(body []byte, httpCode int) error {
	parsed := gjson.ParseBytes(body)
	code := firstString(parsed, "code", "error.code")
	if code == "" {
		code = fmt.Sprintf("http_%d", httpCode)
	}
	reason := firstString(parsed, "reason", "message", "error.message", "msg")
	if reason == "" {
		reason = truncate(string(body), 200)
	}
	return types.Reject(code, reason)
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
