package profile

import (
	"sync/atomic"
	"time"
)

// Profile 是一个自治交易 agent：persona 不可变，运行态可变。
type Profile struct {
	id          string
	accountRef  string
	persona     Persona
	instruments []string
	createdAt   time.Time

	active          atomic.Bool
	operatorStopped atomic.Bool
	lastCycle       atomic.Int64
}

func newProfile(id, accountRef string, persona Persona, instruments []string, now time.Time) *Profile {
	p := &Profile{
		id:          id,
		accountRef:  accountRef,
		persona:     persona,
		instruments: append([]string(nil), instruments...),
		createdAt:   now,
	}
	p.active.Store(true)
	return p
}

func (p *Profile) ID() string         { return p.id }
func (p *Profile) AccountRef() string { return p.accountRef }
func (p *Profile) Persona() Persona   { return p.persona }
func (p *Profile) Active() bool       { return p.active.Load() }
func (p *Profile) CreatedAt() time.Time {
	return p.createdAt
}

// Instruments 是该 profile 关注的标的，空表示全部。
func (p *Profile) Instruments() []string {
	return append([]string(nil), p.instruments...)
}

func (p *Profile) LastCycle() time.Time {
	ns := p.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// View is a JSON friendly copy of the profile state.
type View struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Handle        string    `json:"handle"`
	RiskTier      RiskTier  `json:"risk_tier"`
	DecisionStyle string    `json:"decision_style,omitempty"`
	SpeechStyle   string    `json:"speech_style,omitempty"`
	AccountRef    string    `json:"account_ref"`
	Instruments   []string  `json:"instruments,omitempty"`
	Active        bool      `json:"active"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitempty"`
}

func (p *Profile) View() View {
	return View{
		ID:            p.id,
		Name:          p.persona.Name(),
		Handle:        p.persona.Handle(),
		RiskTier:      p.persona.Tier(),
		DecisionStyle: p.persona.DecisionStyle(),
		SpeechStyle:   p.persona.SpeechStyle(),
		AccountRef:    p.accountRef,
		Instruments:   p.Instruments(),
		Active:        p.Active(),
		LastCycleAt:   p.LastCycle(),
	}
}
