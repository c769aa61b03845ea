package reasoning

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Purpose 决定视图包含哪些类别以及默认窗口。
type Purpose string

const (
	PurposeTrading Purpose = "trading"
	PurposeChat    Purpose = "chat"
	PurposeAudit   Purpose = "audit"
)

func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PurposeTrading, nil
	case PurposeTrading, PurposeChat, PurposeAudit:
		return p, nil
	case "trading_decision":
		return PurposeTrading, nil
	default:
		return "", fmt.Errorf("unknown purpose %q", s)
	}
}

// PurposeSpec 描述某个用途的默认视图。Categories 为空表示全部类别。
type PurposeSpec struct {
	Categories []Category
	Window     time.Duration
	Limit      int
}

func defaultPurposes() map[Purpose]PurposeSpec {
	return map[Purpose]PurposeSpec{
		PurposeTrading: {
			Categories: []Category{CategoryChatInfluence, CategoryMarketObservation, CategoryDecision, CategoryOutcome},
			Window:     48 * time.Hour,
			Limit:      20,
		},
		PurposeChat:  {Window: 24 * time.Hour, Limit: 50},
		PurposeAudit: {},
	}
}

// Window 限定视图大小；零值字段使用用途默认值。
type Window struct {
	Limit int
	Since time.Duration
}

// View 返回最近的条目（新→旧），不超过 limit，不会阻塞写入者。
// 返回的切片归调用方所有；条目内的 Payload 视为只读。
func (s *Store) View(profileID string, purpose Purpose, w Window) []Entry {
	l := s.log(profileID, false)
	if l == nil {
		return nil
	}
	entries := l.load()
	spec := s.purposes[purpose]
	limit := w.Limit
	if limit <= 0 {
		limit = spec.Limit
	}
	since := w.Since
	if since <= 0 {
		since = spec.Window
	}
	var cutoff time.Time
	if since > 0 {
		cutoff = s.nowFn().Add(-since)
	}
	allowed := make(map[Category]struct{}, len(spec.Categories))
	for _, c := range spec.Categories {
		allowed[c] = struct{}{}
	}

	capHint := len(entries)
	if limit > 0 && limit < capHint {
		capHint = limit
	}
	out := make([]Entry, 0, capHint)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !cutoff.IsZero() && e.CreatedAt.Before(cutoff) {
			break
		}
		if len(allowed) > 0 {
			if _, ok := allowed[e.Category]; !ok {
				continue
			}
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

var categoryTitles = []struct {
	cat   Category
	title string
}{
	{CategoryChatInfluence, "Recent conversations"},
	{CategoryMarketObservation, "Market observations"},
	{CategoryDecision, "Previous decisions"},
	{CategoryOutcome, "Order outcomes"},
}

// Summarize 按类别分组渲染视图，用于构造 prompt。
func Summarize(entries []Entry, now time.Time) string {
	if len(entries) == 0 {
		return "No recent reasoning."
	}
	groups := make(map[Category][]Entry)
	for _, e := range entries {
		groups[e.Category] = append(groups[e.Category], e)
	}
	var b strings.Builder
	for _, ct := range categoryTitles {
		list := groups[ct.cat]
		if len(list) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ct.title)
		b.WriteString(":\n")
		for _, e := range list {
			fmt.Fprintf(&b, "- [%s ago] %s", humanAge(now.Sub(e.CreatedAt)), e.Content)
			if e.Impact != "" {
				fmt.Fprintf(&b, " (impact: %s)", e.Impact)
			}
			fmt.Fprintf(&b, " [confidence %.2f]\n", e.Confidence)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Summary 等价于 Summarize(View(...))。
func (s *Store) Summary(profileID string, purpose Purpose) string {
	return Summarize(s.View(profileID, purpose, Window{}), s.nowFn())
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// Influence 是带权重的聊天/观察影响。
type Influence struct {
	Entry  Entry   `json:"entry"`
	Weight float64 `json:"weight"`
}

const (
	influenceMinConfidence = 0.6
	influenceTopN          = 10
)

// TradingInfluences 选出 24h 内高置信且有影响描述的条目，按置信度×时间衰减排序。
func (s *Store) TradingInfluences(profileID string, window time.Duration) []Influence {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := s.nowFn()
	var out []Influence
	for _, e := range s.View(profileID, PurposeAudit, Window{Since: window}) {
		if e.Confidence < influenceMinConfidence || strings.TrimSpace(e.Impact) == "" {
			continue
		}
		out = append(out, Influence{Entry: e, Weight: e.Confidence * ageDecay(now.Sub(e.CreatedAt))})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if len(out) > influenceTopN {
		out = out[:influenceTopN]
	}
	return out
}

func ageDecay(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 1.0
	case age < 6*time.Hour:
		return 0.8
	case age < 12*time.Hour:
		return 0.6
	default:
		return 0.4
	}
}
