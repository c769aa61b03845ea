package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"arena/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ProfileDefinition 描述 profiles.yaml 中的单个交易 agent。
type ProfileDefinition struct {
	ID            string   `mapstructure:"-" yaml:"-"`
	Name          string   `mapstructure:"name" yaml:"name"`
	Handle        string   `mapstructure:"handle" yaml:"handle"`
	RiskTier      string   `mapstructure:"risk_tier" yaml:"risk_tier"`
	DecisionStyle string   `mapstructure:"decision_style" yaml:"decision_style"`
	SpeechStyle   string   `mapstructure:"speech_style" yaml:"speech_style"`
	Traits        []string `mapstructure:"traits" yaml:"traits"`
	AccountRef    string   `mapstructure:"account_ref" yaml:"account_ref"`
	Instruments   []string `mapstructure:"instruments" yaml:"instruments"`
	Disabled      bool     `mapstructure:"disabled" yaml:"disabled"`
}

// FileConfig 是完整的 profile 配置文件结构。
type FileConfig struct {
	Profiles map[string]ProfileDefinition `mapstructure:"profiles" yaml:"profiles"`
}

// ProfileSnapshot 对外暴露的只读快照。
type ProfileSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]ProfileDefinition
}

// Sorted 按 id 排序返回定义列表。
func (s ProfileSnapshot) Sorted() []ProfileDefinition {
	out := make([]ProfileDefinition, 0, len(s.Profiles))
	for _, def := range s.Profiles {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChangeListener 在配置变更时被调用。
type ChangeListener func(ProfileSnapshot)

// ProfileLoader 负责从 YAML 文件中加载 profile，并监听热更新。
type ProfileLoader struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  ProfileSnapshot
	listeners []ChangeListener
}

// NewProfileLoader 读取配置文件并开始监听 FS 事件。
func NewProfileLoader(path string) (*ProfileLoader, error) {
	ld, err := newLoader(path)
	if err != nil {
		return nil, err
	}
	ld.v.OnConfigChange(func(evt fsnotify.Event) {
		if err := ld.reload(); err != nil {
			logger.Errorf("profile reload failed (%s): %v", evt.Name, err)
			return
		}
		ld.notify()
	})
	ld.v.WatchConfig()
	return ld, nil
}

// LoadOnce 读取一次，不监听变更。
func LoadOnce(path string) (*ProfileLoader, error) {
	return newLoader(path)
}

func newLoader(path string) (*ProfileLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("profile loader requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profile config failed: %w", err)
	}
	ld := &ProfileLoader{path: path, v: v}
	if err := ld.reload(); err != nil {
		return nil, err
	}
	return ld, nil
}

// Snapshot 返回当前配置快照（深拷贝）。
func (l *ProfileLoader) Snapshot() ProfileSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe 注册监听器，仅在后续变更时回调。
func (l *ProfileLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *ProfileLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("profile listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func (l *ProfileLoader) reload() error {
	if strings.EqualFold(filepath.Ext(l.path), ".yaml") || strings.EqualFold(filepath.Ext(l.path), ".yml") {
		if err := ValidateFile(l.path); err != nil {
			return err
		}
	}
	var fileCfg FileConfig
	if err := l.v.Unmarshal(&fileCfg); err != nil {
		return fmt.Errorf("parse profile config failed: %w", err)
	}
	normalized := make(map[string]ProfileDefinition, len(fileCfg.Profiles))
	for id, def := range fileCfg.Profiles {
		norm, err := normalizeProfileDefinition(id, def)
		if err != nil {
			return err
		}
		normalized[norm.ID] = norm
	}
	l.mu.Lock()
	l.snapshot = ProfileSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: normalized,
	}
	l.mu.Unlock()
	logger.Infof("Profile loader reloaded %d profiles from %s", len(normalized), filepath.Base(l.path))
	return nil
}

// ValidateFile 以严格模式解析 YAML，未知字段直接报错。
func ValidateFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile file failed: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var fc FileConfig
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("profile file %s invalid: %w", filepath.Base(path), err)
	}
	return nil
}

func normalizeProfileDefinition(id string, def ProfileDefinition) (ProfileDefinition, error) {
	def.ID = strings.ToLower(strings.TrimSpace(id))
	if def.ID == "" {
		return def, fmt.Errorf("profile id cannot be empty")
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		def.Name = def.ID
	}
	def.Handle = strings.TrimPrefix(strings.TrimSpace(def.Handle), "@")
	if def.Handle == "" {
		def.Handle = def.ID
	}
	def.RiskTier = strings.ToLower(strings.TrimSpace(def.RiskTier))
	def.DecisionStyle = strings.TrimSpace(def.DecisionStyle)
	def.SpeechStyle = strings.TrimSpace(def.SpeechStyle)
	def.AccountRef = strings.TrimSpace(def.AccountRef)
	if def.AccountRef == "" {
		return def, fmt.Errorf("profile %s missing account_ref", def.ID)
	}
	def.Traits = trimNonEmpty(def.Traits, false)
	def.Instruments = trimNonEmpty(def.Instruments, true)
	return def, nil
}

func trimNonEmpty(in []string, upper bool) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if upper {
			s = strings.ToUpper(s)
		}
		out = append(out, s)
	}
	return out
}

func cloneSnapshot(src ProfileSnapshot) ProfileSnapshot {
	dst := ProfileSnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Profiles: make(map[string]ProfileDefinition, len(src.Profiles)),
	}
	for id, def := range src.Profiles {
		def.Traits = append([]string(nil), def.Traits...)
		def.Instruments = append([]string(nil), def.Instruments...)
		dst.Profiles[id] = def
	}
	return dst
}
