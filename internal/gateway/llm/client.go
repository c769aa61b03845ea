// Package llm 是 OpenAI 兼容的聊天补全客户端（/chat/completions），支持 SSE 流式输出。
package llm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"arena/internal/logger"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxRetries  int
}

// Client 兼容 OpenAI / DeepSeek / Qwen 的聊天补全接口。
type Client struct {
	model       string
	temperature float64
	client      *resty.Client
	stream      *resty.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	base := normalizeBaseURL(cfg.BaseURL)
	newClient := func() *resty.Client {
		c := resty.New().SetBaseURL(base).SetHeader("Content-Type", "application/json")
		if cfg.APIKey != "" {
			c.SetAuthToken(cfg.APIKey)
		}
		return c
	}
	client := newClient().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(800 * time.Millisecond).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return false
			}
			code := r.StatusCode()
			return code == 429 || code >= 500
		})
	// 流式请求的时长由调用方 ctx 约束
	return &Client{model: cfg.Model, temperature: cfg.Temperature, client: client, stream: newClient()}
}

// normalizeBaseURL 去掉用户误写进配置的 /chat/completions。
func normalizeBaseURL(u string) string {
	if u == "" {
		u = "https://api.openai.com/v1"
	}
	u = strings.TrimRight(u, "/")
	return strings.TrimSuffix(u, "/chat/completions")
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) body(system, user string, stream bool) map[string]any {
	msgs := make([]message, 0, 2)
	if system != "" {
		msgs = append(msgs, message{Role: "system", Content: system})
	}
	msgs = append(msgs, message{Role: "user", Content: user})
	body := map[string]any{"model": c.model, "messages": msgs, "temperature": c.temperature}
	if stream {
		body["stream"] = true
	}
	return body
}

// Complete 发送一次非流式补全，返回第一条 choice 的文本。429/5xx 有限重试。
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.R().SetContext(ctx).SetBody(c.body(system, user, false)).Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	if resp.IsError() {
		return "", apiError(resp.StatusCode(), resp.Body())
	}
	choice := gjson.GetBytes(resp.Body(), "choices.0.message.content")
	if !choice.Exists() {
		return "", errors.New("llm response has no choices")
	}
	return choice.String(), nil
}

// Stream 以 SSE 方式补全，每收到一段增量调用 onDelta，返回完整文本。
func (c *Client) Stream(ctx context.Context, system, user string, onDelta func(string)) (string, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetBody(c.body(system, user, true)).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm stream request: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()
	if resp.StatusCode() >= 400 {
		var b strings.Builder
		sc := bufio.NewScanner(raw)
		for sc.Scan() && b.Len() < 2048 {
			b.WriteString(sc.Text())
		}
		return "", apiError(resp.StatusCode(), []byte(b.String()))
	}

	var full strings.Builder
	sc := bufio.NewScanner(raw)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		delta := gjson.Get(data, "choices.0.delta.content").String()
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := sc.Err(); err != nil {
		return full.String(), fmt.Errorf("llm stream read: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

func apiError(code int, body []byte) error {
	msg := strings.TrimSpace(gjson.GetBytes(body, "error.message").String())
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
	}
	logger.Debugf("[AI] status=%d body=%s", code, msg)
	return fmt.Errorf("llm status=%d: %s", code, msg)
}
