package notifier

import (
	"fmt"
	"strings"
	"time"

	"arena/internal/types"
)

const maxMessageLen = 3800

// Section 是通知中的一个段落。
type Section struct {
	Title string
	Lines []string
}

// Message 是统一格式的运维推送。
type Message struct {
	Icon      string
	Title     string
	Sections  []Section
	Footer    string
	Timestamp time.Time
}

// Markdown 渲染消息正文，超长时截断。
func (m Message) Markdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString(header + "\n\n")
	}
	var body []string
	for _, sec := range m.Sections {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		block := ""
		if title := strings.TrimSpace(sec.Title); title != "" {
			block = escapeFence(title) + "\n"
		}
		for _, l := range lines {
			block += "- " + escapeFence(l) + "\n"
		}
		body = append(body, block)
	}
	if len(body) > 0 {
		b.WriteString("```\n" + strings.Join(body, "\n") + "```\n\n")
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(escapeFence(footer) + "\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("at " + m.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxMessageLen {
		out = out[:maxMessageLen] + "..."
	}
	return out
}

// UnknownOutcome 构造下单结果未知的告警：订单可能已在交易所成交，需要人工核对。
func UnknownOutcome(o types.Outcome) Message {
	return Message{
		Icon:  "⚠️",
		Title: "Order outcome unknown",
		Sections: []Section{
			{Title: "Order", Lines: []string{
				"profile: " + o.ProfileID,
				"decision: " + o.DecisionID,
				o.Spec.String(),
			}},
			{Title: "Detail", Lines: []string{o.Reason}},
		},
		Footer:    "No automatic retry was made. Check the exchange before acting.",
		Timestamp: o.At,
	}
}

// Rejected 构造明确拒绝的提示。
func Rejected(o types.Outcome) Message {
	return Message{
		Icon:      "⛔",
		Title:     fmt.Sprintf("Order rejected for %s", o.ProfileID),
		Sections:  []Section{{Lines: []string{o.Spec.String(), o.Reason}}},
		Timestamp: o.At,
	}
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func escapeFence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
