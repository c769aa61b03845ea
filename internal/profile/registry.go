package profile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"arena/internal/config/loader"
	"arena/internal/logger"
)

var (
	ErrNotFound = errors.New("profile not found")
	ErrInactive = errors.New("profile inactive")
)

// State 是需要持久化的运行态。
type State struct {
	ID              string
	Active          bool
	OperatorStopped bool
	LastCycleAt     time.Time
	UpdatedAt       time.Time
}

// StateStore 持久化 profile 运行态（软删除标记、最近周期）。
type StateStore interface {
	LoadProfileStates(ctx context.Context) ([]State, error)
	SaveProfileState(ctx context.Context, st State) error
}

// SyncReport 描述一次定义同步的差异。
type SyncReport struct {
	Added          []string
	Reactivated    []string
	Deactivated    []string
	PersonaIgnored []string
	Invalid        []string
}

// Registry 维护全部 profile，响应 profiles.yaml 热更新；profile 只会被停用，从不删除。
type Registry struct {
	store StateStore
	nowFn func() time.Time

	mu       sync.RWMutex
	profiles map[string]*Profile
	restored map[string]State
}

func NewRegistry(store StateStore) *Registry {
	return &Registry{
		store:    store,
		nowFn:    time.Now,
		profiles: make(map[string]*Profile),
		restored: make(map[string]State),
	}
}

// Restore 读取持久化运行态，需在首次 Sync 之前调用。
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.LoadProfileStates(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, st := range states {
		r.restored[st.ID] = st
	}
	r.mu.Unlock()
	return nil
}

// Bind 立即同步一次，然后跟随 loader 的变更。
func (r *Registry) Bind(ld *loader.ProfileLoader) {
	if ld == nil {
		return
	}
	r.Sync(ld.Snapshot().Sorted())
	ld.Subscribe(func(snap loader.ProfileSnapshot) {
		r.Sync(snap.Sorted())
	})
}

func (r *Registry) Sync(defs []loader.ProfileDefinition) SyncReport {
	var (
		report  SyncReport
		changed []*Profile
	)
	now := r.nowFn()
	seen := make(map[string]struct{}, len(defs))

	r.mu.Lock()
	for _, def := range defs {
		if def.Disabled {
			continue
		}
		seen[def.ID] = struct{}{}
		persona, err := NewPersona(PersonaSpec{
			Name:          def.Name,
			Handle:        def.Handle,
			RiskTier:      def.RiskTier,
			DecisionStyle: def.DecisionStyle,
			SpeechStyle:   def.SpeechStyle,
			Traits:        def.Traits,
		})
		if err != nil {
			logger.Errorf("profile %s skipped: %v", def.ID, err)
			report.Invalid = append(report.Invalid, def.ID)
			continue
		}
		existing, ok := r.profiles[def.ID]
		if !ok {
			p := newProfile(def.ID, def.AccountRef, persona, def.Instruments, now)
			if st, ok := r.restored[def.ID]; ok {
				if st.OperatorStopped {
					p.operatorStopped.Store(true)
					p.active.Store(false)
				}
				if !st.LastCycleAt.IsZero() {
					p.lastCycle.Store(st.LastCycleAt.UnixNano())
				}
			}
			r.profiles[def.ID] = p
			report.Added = append(report.Added, def.ID)
			continue
		}
		if !existing.persona.Equal(persona) {
			logger.Warnf("profile %s persona changed on disk; persona is immutable, keeping original", def.ID)
			report.PersonaIgnored = append(report.PersonaIgnored, def.ID)
		}
		if !existing.Active() && !existing.operatorStopped.Load() {
			existing.active.Store(true)
			report.Reactivated = append(report.Reactivated, def.ID)
			changed = append(changed, existing)
		}
	}
	for id, p := range r.profiles {
		if _, ok := seen[id]; ok {
			continue
		}
		if p.active.CompareAndSwap(true, false) {
			report.Deactivated = append(report.Deactivated, id)
			changed = append(changed, p)
		}
	}
	r.mu.Unlock()

	for _, p := range changed {
		r.persist(p)
	}
	if len(report.Added)+len(report.Deactivated)+len(report.Reactivated) > 0 {
		logger.Infof("profiles synced: added=%v reactivated=%v deactivated=%v", report.Added, report.Reactivated, report.Deactivated)
	}
	return report
}

func (r *Registry) Get(id string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// Active 返回当前激活的 profile，按 id 排序。
func (r *Registry) Active() []*Profile {
	r.mu.RLock()
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if p.Active() {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) All() []*Profile {
	r.mu.RLock()
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Deactivate 由运维操作触发的软删除；之后的热更新不会自动恢复。
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	p, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	p.operatorStopped.Store(true)
	p.active.Store(false)
	if r.store == nil {
		return nil
	}
	return r.store.SaveProfileState(ctx, r.stateOf(p))
}

// MarkCycle 记录最近一次决策周期时间。
func (r *Registry) MarkCycle(id string, at time.Time) {
	p, ok := r.Get(id)
	if !ok {
		return
	}
	p.lastCycle.Store(at.UnixNano())
	r.persist(p)
}

func (r *Registry) persist(p *Profile) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveProfileState(ctx, r.stateOf(p)); err != nil {
		logger.Warnf("persist profile %s state failed: %v", p.id, err)
	}
}

func (r *Registry) stateOf(p *Profile) State {
	return State{
		ID:              p.id,
		Active:          p.Active(),
		OperatorStopped: p.operatorStopped.Load(),
		LastCycleAt:     p.LastCycle(),
		UpdatedAt:       r.nowFn(),
	}
}
