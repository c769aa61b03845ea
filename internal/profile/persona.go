package profile

import (
	"fmt"
	"strings"
)

// RiskTier 是人格的风险档位，封闭集合。
type RiskTier string

const (
	TierUltraConservative RiskTier = "ultra_conservative"
	TierConservative      RiskTier = "conservative"
	TierModerate          RiskTier = "moderate"
	TierAggressive        RiskTier = "aggressive"
	TierDegen             RiskTier = "degen"
)

// Tiers lists every tier from least to most risk.
var Tiers = []RiskTier{TierUltraConservative, TierConservative, TierModerate, TierAggressive, TierDegen}

func ParseRiskTier(s string) (RiskTier, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	norm = strings.ReplaceAll(norm, " ", "_")
	if norm == "" {
		return TierModerate, nil
	}
	for _, t := range Tiers {
		if string(t) == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}

// SpeechCategory 决定聊天语气的大类。
type SpeechCategory string

const (
	SpeechAnalytical SpeechCategory = "analytical"
	SpeechCasual     SpeechCategory = "casual"
	SpeechHype       SpeechCategory = "hype"
)

func speechCategoryFor(tier RiskTier, style string) SpeechCategory {
	s := strings.ToLower(style)
	switch {
	case strings.Contains(s, "analytic"), strings.Contains(s, "formal"), strings.Contains(s, "technical"):
		return SpeechAnalytical
	case strings.Contains(s, "hype"), strings.Contains(s, "meme"), strings.Contains(s, "emoji"):
		return SpeechHype
	}
	switch tier {
	case TierUltraConservative, TierConservative:
		return SpeechAnalytical
	case TierDegen:
		return SpeechHype
	default:
		return SpeechCasual
	}
}

// PersonaSpec 是构造 Persona 的输入。
type PersonaSpec struct {
	Name          string
	Handle        string
	RiskTier      string
	DecisionStyle string
	SpeechStyle   string
	Traits        []string
}

// Persona 创建后不可变；只暴露只读访问器。
type Persona struct {
	name          string
	handle        string
	tier          RiskTier
	decisionStyle string
	speechStyle   string
	speech        SpeechCategory
	traits        []string
}

func NewPersona(spec PersonaSpec) (Persona, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Persona{}, fmt.Errorf("persona name is required")
	}
	tier, err := ParseRiskTier(spec.RiskTier)
	if err != nil {
		return Persona{}, err
	}
	p := Persona{
		name:          name,
		handle:        strings.TrimSpace(spec.Handle),
		tier:          tier,
		decisionStyle: strings.TrimSpace(spec.DecisionStyle),
		speechStyle:   strings.TrimSpace(spec.SpeechStyle),
		traits:        append([]string(nil), spec.Traits...),
	}
	p.speech = speechCategoryFor(tier, p.speechStyle)
	return p, nil
}

func (p Persona) Name() string                   { return p.name }
func (p Persona) Handle() string                 { return p.handle }
func (p Persona) Tier() RiskTier                 { return p.tier }
func (p Persona) DecisionStyle() string          { return p.decisionStyle }
func (p Persona) SpeechStyle() string            { return p.speechStyle }
func (p Persona) SpeechCategory() SpeechCategory { return p.speech }

func (p Persona) Traits() []string {
	return append([]string(nil), p.traits...)
}

// Equal 比较两个人格的全部字段。
func (p Persona) Equal(o Persona) bool {
	if p.name != o.name || p.handle != o.handle || p.tier != o.tier ||
		p.decisionStyle != o.decisionStyle || p.speechStyle != o.speechStyle ||
		len(p.traits) != len(o.traits) {
		return false
	}
	for i := range p.traits {
		if p.traits[i] != o.traits[i] {
			return false
		}
	}
	return true
}

// Describe renders the persona for prompts.
func (p Persona) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (@%s), risk tier %s", p.name, p.handle, p.tier)
	if p.decisionStyle != "" {
		fmt.Fprintf(&b, ", decision style: %s", p.decisionStyle)
	}
	if p.speechStyle != "" {
		fmt.Fprintf(&b, ", speech: %s", p.speechStyle)
	}
	if len(p.traits) > 0 {
		fmt.Fprintf(&b, ", traits: %s", strings.Join(p.traits, ", "))
	}
	return b.String()
}
