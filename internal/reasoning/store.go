package reasoning

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/logger"

	"github.com/google/uuid"
)

const (
	defaultMaxEntries = 100
	defaultMaxAge     = 7 * 24 * time.Hour
)

// Retention 每个 profile 的保留策略，任一上限触发即裁剪最旧条目。
type Retention struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Persister 是持久化追加日志。
type Persister interface {
	AppendEntry(ctx context.Context, e Entry) error
	LoadRecent(ctx context.Context, profileID string, limit int) ([]Entry, error)
}

type StoreParams struct {
	Retention Retention
	Persister Persister
	Purposes  map[Purpose]PurposeSpec
}

// Store 是按 profile 分片的只追加推理日志。
//
// 写入按 profile 串行；读取加载当前切片引用，不持锁、不阻塞写入。
// 追加只写入读者可见长度之外的位置，裁剪总是复制到新数组，
// 所以已返回给读者的条目不会被修改或回收。
type Store struct {
	retention Retention
	persister Persister
	purposes  map[Purpose]PurposeSpec
	nowFn     func() time.Time
	seq       atomic.Uint64

	mu   sync.RWMutex
	logs map[string]*profileLog

	obsMu     sync.RWMutex
	observers []func(Entry)
}

type profileLog struct {
	mu      sync.Mutex
	entries atomic.Pointer[[]Entry]
}

func (l *profileLog) load() []Entry {
	p := l.entries.Load()
	if p == nil {
		return nil
	}
	return *p
}

func NewStore(p StoreParams) *Store {
	if p.Retention.MaxEntries <= 0 {
		p.Retention.MaxEntries = defaultMaxEntries
	}
	if p.Retention.MaxAge <= 0 {
		p.Retention.MaxAge = defaultMaxAge
	}
	purposes := defaultPurposes()
	for k, v := range p.Purposes {
		purposes[k] = v
	}
	return &Store{
		retention: p.Retention,
		persister: p.Persister,
		purposes:  purposes,
		nowFn:     time.Now,
		logs:      make(map[string]*profileLog),
	}
}

// OnAppend 注册追加回调（例如事件总线转发）。
func (s *Store) OnAppend(fn func(Entry)) {
	if fn == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Store) log(profileID string, create bool) *profileLog {
	s.mu.RLock()
	l, ok := s.logs[profileID]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[profileID]; ok {
		return l
	}
	l = &profileLog{}
	s.logs[profileID] = l
	return l
}

// Append 是唯一的写入口，可被聊天与交易路径并发调用。
// 返回带有 id/seq/时间戳的已存储条目。
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	e = e.clone()
	e.ID = uuid.NewString()
	e.CreatedAt = s.nowFn()

	l := s.log(e.ProfileID, true)
	l.mu.Lock()
	e.Seq = s.seq.Add(1)
	next := append(l.load(), e)
	next = s.trim(next, e.CreatedAt)
	l.entries.Store(&next)
	l.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.AppendEntry(ctx, e); err != nil {
			logger.ForProfile(e.ProfileID).Warn("persist reasoning entry failed", "entry_id", e.ID, "error", err)
		}
	}
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, fn := range observers {
		fn(e)
	}
	return e, nil
}

// trim 返回满足保留策略的切片；发生裁剪时总是复制到新数组。
func (s *Store) trim(entries []Entry, now time.Time) []Entry {
	start := 0
	if over := len(entries) - s.retention.MaxEntries; over > 0 {
		start = over
	}
	cutoff := now.Add(-s.retention.MaxAge)
	for start < len(entries) && entries[start].CreatedAt.Before(cutoff) {
		start++
	}
	if start == 0 {
		return entries
	}
	return append(make([]Entry, 0, len(entries)-start+8), entries[start:]...)
}

// Sweep 按时间维度裁剪所有 profile，返回移除条数。
func (s *Store) Sweep(now time.Time) int {
	s.mu.RLock()
	logs := make([]*profileLog, 0, len(s.logs))
	for _, l := range s.logs {
		logs = append(logs, l)
	}
	s.mu.RUnlock()
	removed := 0
	for _, l := range logs {
		l.mu.Lock()
		cur := l.load()
		next := s.trim(cur, now)
		if len(next) != len(cur) {
			removed += len(cur) - len(next)
			l.entries.Store(&next)
		}
		l.mu.Unlock()
	}
	return removed
}

// StartSweeper 定期执行 Sweep。
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.nowFn()); n > 0 {
				logger.Debugf("reasoning sweeper removed %d expired entries", n)
			}
		}
	}
}

// Restore 从持久层回放最近的条目，需在开始服务前调用。
func (s *Store) Restore(ctx context.Context, profileIDs []string) error {
	if s.persister == nil {
		return nil
	}
	for _, id := range profileIDs {
		entries, err := s.persister.LoadRecent(ctx, id, s.retention.MaxEntries)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
		l := s.log(id, true)
		l.mu.Lock()
		// 序号只在进程内单调，回放的条目重新编号
		for i := range entries {
			entries[i].Seq = s.seq.Add(1)
		}
		merged := append(append([]Entry(nil), entries...), l.load()...)
		merged = s.trim(merged, s.nowFn())
		l.entries.Store(&merged)
		l.mu.Unlock()
	}
	return nil
}

// Len 返回 profile 当前保留的条目数。
func (s *Store) Len(profileID string) int {
	l := s.log(profileID, false)
	if l == nil {
		return 0
	}
	return len(l.load())
}
