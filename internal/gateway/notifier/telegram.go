package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// Telegram 把运维告警推送到指定群/频道。
type Telegram struct {
	chatID string
	token  string
	client *resty.Client
}

// NewTelegram 构造 Telegram 通知器，baseURL 为空时使用官方地址。
func NewTelegram(botToken, chatID, baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Telegram{chatID: chatID, token: botToken, client: client}
}

// SendText 发送 Markdown 文本，网络错误与 5xx 最多重试两次。
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram bot_token/chat_id not configured")
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram status=%d", resp.StatusCode())
	}
	return nil
}
