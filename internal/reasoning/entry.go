package reasoning

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Category 推理条目的类别。
type Category string

const (
	CategoryChatInfluence     Category = "chat_influence"
	CategoryMarketObservation Category = "market_observation"
	CategoryDecision          Category = "decision"
	CategoryOutcome           Category = "outcome"
)

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	switch c {
	case CategoryChatInfluence, CategoryMarketObservation, CategoryDecision, CategoryOutcome:
		return c, nil
	}
	return "", fmt.Errorf("unknown reasoning category %q", s)
}

// DefaultConfidence 是未指定置信度时的取值。
const DefaultConfidence = 0.5

// Entry 是一条不可变的推理记录；只追加，不修改。
type Entry struct {
	ID         string         `json:"id"`
	ProfileID  string         `json:"profile_id"`
	Seq        uint64         `json:"seq"`
	Category   Category       `json:"category"`
	Source     string         `json:"source,omitempty"`
	Content    string         `json:"content"`
	Impact     string         `json:"impact,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence float64        `json:"confidence"`
	Related    []string       `json:"related,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

var (
	ErrEmptyProfile = errors.New("profile id is required")
	ErrEmptyContent = errors.New("content is required")
)

func (e Entry) validate() error {
	if strings.TrimSpace(e.ProfileID) == "" {
		return ErrEmptyProfile
	}
	if _, err := ParseCategory(string(e.Category)); err != nil {
		return err
	}
	if strings.TrimSpace(e.Content) == "" {
		return ErrEmptyContent
	}
	if math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1], got %v", e.Confidence)
	}
	return nil
}

// clone 深拷贝可变字段，使已追加条目与调用方解耦。
func (e Entry) clone() Entry {
	if e.Payload != nil {
		p := make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			p[k] = v
		}
		e.Payload = p
	}
	if e.Related != nil {
		e.Related = append([]string(nil), e.Related...)
	}
	return e
}
