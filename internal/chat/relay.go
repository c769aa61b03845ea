// Package chat 把用户消息转给 profile 的人设模型，流式发布回复，
// 并把对话摘要写入推理库。聊天路径从不直接调用交易路径。
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"arena/internal/events"
	"arena/internal/logger"
	"arena/internal/pkg/text"
	"arena/internal/profile"
	"arena/internal/reasoning"

	"github.com/google/uuid"
)

var (
	ErrEmptyMessage   = errors.New("chat message is empty")
	ErrUnknownProfile = errors.New("unknown profile")
)

const (
	defaultChatTimeout = 90 * time.Second
	maxMessageRunes    = 4000
	influenceMarker    = "impact:"
	influenceWeight    = 0.7
)

// Streamer 是支持增量输出的聊天补全客户端。
type Streamer interface {
	Stream(ctx context.Context, system, user string, onDelta func(string)) (string, error)
}

type ProfileLookup interface {
	Get(id string) (*profile.Profile, bool)
}

type ReasoningLog interface {
	Append(ctx context.Context, e reasoning.Entry) (reasoning.Entry, error)
	View(profileID string, purpose reasoning.Purpose, w reasoning.Window) []reasoning.Entry
}

type Publisher interface {
	Publish(e events.Event) events.Event
}

type RelayParams struct {
	Streamer  Streamer
	Profiles  ProfileLookup
	Reasoning ReasoningLog
	Publisher Publisher
	Timeout   time.Duration
	ViewLimit int
}

// Request 是一条用户消息。SenderID 用于让发送方过滤掉自己的回显。
type Request struct {
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
}

type Reply struct {
	MessageID   string          `json:"message_id"`
	ReplyID     string          `json:"reply_id"`
	Content     string          `json:"content"`
	Impact      string          `json:"impact,omitempty"`
	Chunks      int             `json:"chunks"`
	Influence   reasoning.Entry `json:"influence"`
	CompletedAt time.Time       `json:"completed_at"`
}

type Relay struct {
	streamer  Streamer
	profiles  ProfileLookup
	reasoning ReasoningLog
	publisher Publisher
	timeout   time.Duration
	viewLimit int
	nowFn     func() time.Time

	// 同一 profile 的对话串行，保证 chunk 顺序与推理条目顺序一致
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRelay(p RelayParams) *Relay {
	if p.Timeout <= 0 {
		p.Timeout = defaultChatTimeout
	}
	if p.ViewLimit <= 0 {
		p.ViewLimit = 20
	}
	return &Relay{
		streamer:  p.Streamer,
		profiles:  p.Profiles,
		reasoning: p.Reasoning,
		publisher: p.Publisher,
		timeout:   p.Timeout,
		viewLimit: p.ViewLimit,
		nowFn:     time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Relay) lock(profileID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[profileID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[profileID] = l
	}
	return l
}

// Send 处理一条用户消息，阻塞直到回复结束（或失败）。
func (r *Relay) Send(ctx context.Context, profileID string, req Request) (Reply, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return Reply{}, ErrEmptyMessage
	}
	if rs := []rune(msg); len(rs) > maxMessageRunes {
		msg = string(rs[:maxMessageRunes])
	}
	p, ok := r.profiles.Get(profileID)
	if !ok {
		return Reply{}, ErrUnknownProfile
	}
	if r.streamer == nil {
		return Reply{}, errors.New("chat model not configured")
	}

	l := r.lock(profileID)
	l.Lock()
	defer l.Unlock()

	log := logger.ForProfile(profileID)
	reply := Reply{MessageID: uuid.NewString(), ReplyID: uuid.NewString()}
	r.publish(events.ChatUserMessage, profileID, map[string]any{"message": msg},
		events.Meta{SenderID: req.SenderID, MessageID: reply.MessageID})
	r.publish(events.ChatAssistantStart, profileID, map[string]any{"handle": p.Persona().Handle()},
		events.Meta{MessageID: reply.ReplyID, CorrelationID: reply.MessageID})

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	history := r.reasoning.View(profileID, reasoning.PurposeChat, reasoning.Window{Limit: r.viewLimit})
	system := systemPrompt(p.Persona())
	var summary string
	if len(history) > 0 {
		summary = reasoning.Summarize(history, r.nowFn())
	}
	user := userPrompt(msg, summary)

	idx := 0
	full, err := r.streamer.Stream(cctx, system, user, func(delta string) {
		if delta == "" {
			return
		}
		r.publish(events.ChatAssistantChunk, profileID, map[string]any{"delta": delta},
			events.Meta{MessageID: reply.ReplyID, ChunkIndex: idx, CorrelationID: reply.MessageID})
		idx++
	})
	logger.LogLLMExchange("chat", profileID, system, user, full)
	if err != nil {
		r.publish(events.ChatError, profileID, map[string]any{"error": err.Error()},
			events.Meta{MessageID: reply.ReplyID, CorrelationID: reply.MessageID})
		log.Warn("chat reply failed", "message_id", reply.MessageID, "error", err)
		return Reply{}, fmt.Errorf("chat reply: %w", err)
	}

	reply.Content, reply.Impact = splitImpact(full)
	reply.Chunks = idx
	reply.CompletedAt = r.nowFn()
	r.publish(events.ChatAssistantFinal, profileID, map[string]any{"content": reply.Content},
		events.Meta{MessageID: reply.ReplyID, TotalChunks: idx, CorrelationID: reply.MessageID})

	entry := reasoning.Entry{
		ProfileID:  profileID,
		Category:   reasoning.CategoryChatInfluence,
		Source:     "chat",
		Content:    fmt.Sprintf("User said: %q. Replied: %s", text.Truncate(msg, 280), text.Truncate(reply.Content, 480)),
		Impact:     reply.Impact,
		Confidence: reasoning.DefaultConfidence,
		Related:    []string{reply.MessageID, reply.ReplyID},
		Payload:    map[string]any{"sender_id": req.SenderID},
	}
	if reply.Impact != "" {
		entry.Confidence = influenceWeight
	}
	saved, err := r.reasoning.Append(context.WithoutCancel(ctx), entry)
	if err != nil {
		log.Warn("append chat influence failed", "error", err)
	} else {
		reply.Influence = saved
	}
	return reply, nil
}

func (r *Relay) publish(typ events.Type, profileID string, data map[string]any, meta events.Meta) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(events.Event{Type: typ, ProfileID: profileID, Data: data, Meta: meta})
}

func systemPrompt(p profile.Persona) string {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(p.Describe())
	b.WriteString(".\nYou are chatting with a spectator about your crypto trading. Stay in character and keep replies short.\n")
	switch p.SpeechCategory() {
	case profile.SpeechAnalytical:
		b.WriteString("Speak precisely, cite levels and numbers.\n")
	case profile.SpeechHype:
		b.WriteString("Speak with high energy and slang.\n")
	default:
		b.WriteString("Speak casually.\n")
	}
	b.WriteString("If the conversation changes how you will trade, end with one line starting with \"Impact:\" describing that change. Otherwise omit it.")
	return b.String()
}

func userPrompt(msg, summary string) string {
	if strings.TrimSpace(summary) == "" {
		return "Message: " + msg
	}
	return summary + "\n\nMessage: " + msg
}

// splitImpact 从回复末尾剥离 "Impact:" 行。
func splitImpact(full string) (content, impact string) {
	body := strings.TrimSpace(full)
	head, last := "", body
	if i := strings.LastIndexByte(body, '\n'); i >= 0 {
		head, last = body[:i], body[i+1:]
	}
	last = strings.TrimSpace(last)
	// 只比较原文前缀，避免大小写转换改变字节偏移
	n := len(influenceMarker)
	if len(last) < n || !strings.EqualFold(last[:n], influenceMarker) {
		return body, ""
	}
	return strings.TrimSpace(head), strings.TrimSpace(last[n:])
}
