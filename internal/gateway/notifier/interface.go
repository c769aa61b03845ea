package notifier

import "context"

// TextNotifier 是运维通知的最小接口，执行层只依赖它而不依赖具体通道。
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// Nop 丢弃所有通知，用于未启用通知的部署。
type Nop struct{}

func (Nop) SendText(context.Context, string) error { return nil }
