package events

import (
	"strings"
	"time"
)

// Type 事件类型，按 "<域>.<动作>" 命名。
type Type string

const (
	MarketUpdate Type = "market.update"

	TradeDecision       Type = "trade.decision"
	TradeOrderSubmitted Type = "trade.order_submitted"
	TradeOrderAccepted  Type = "trade.order_accepted"
	TradeOrderRejected  Type = "trade.order_rejected"
	TradeOrderUnknown   Type = "trade.order_unknown"

	AccountEquityUpdate Type = "account.equity_update"

	PendingCreated   Type = "pending.created"
	PendingFired     Type = "pending.fired"
	PendingCancelled Type = "pending.cancelled"
	PendingExpired   Type = "pending.expired"

	ReasoningAppended Type = "reasoning.appended"

	ChatUserMessage    Type = "chat.user_message"
	ChatAssistantStart Type = "chat.assistant_start"
	ChatAssistantChunk Type = "chat.assistant_chunk"
	ChatAssistantFinal Type = "chat.assistant_final"
	ChatError          Type = "chat.error"

	ProfileUpdated Type = "profile.updated"

	BotStatus Type = "bot.status"
)

// Family 返回类型前缀，例如 "trade"。
func (t Type) Family() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return s
}

// Meta 携带流式与去重相关的元信息。
type Meta struct {
	SenderID      string `json:"sender_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	ChunkIndex    int    `json:"chunk_index,omitempty"`
	TotalChunks   int    `json:"total_chunks,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Event 是总线上传递的不可变消息。ProfileID 为空表示全局事件。
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	ProfileID string         `json:"profile_id,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
	Meta      Meta           `json:"meta,omitempty"`
}

// Filter 决定订阅者接收哪些事件。
//
// ProfileID 为空时接收全部 profile 与全局事件；非空时只接收该 profile 的事件与全局事件。
// Types/Families 为空表示不限。ExcludeSender 用于屏蔽自己发出的回显。
type Filter struct {
	ProfileID     string
	Types         []Type
	Families      []string
	ExcludeSender string
}

func (f Filter) Match(e Event) bool {
	if f.ProfileID != "" && e.ProfileID != "" && e.ProfileID != f.ProfileID {
		return false
	}
	if f.ExcludeSender != "" && e.Meta.SenderID == f.ExcludeSender {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Families) > 0 {
		fam := e.Type.Family()
		for _, want := range f.Families {
			if want == fam {
				return true
			}
		}
		return false
	}
	return true
}
