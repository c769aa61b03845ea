package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/logger"
	"arena/internal/metrics"

	"github.com/google/uuid"
)

// OverflowPolicy 订阅者队列满时的处理方式。
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	Disconnect OverflowPolicy = "disconnect"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DropOldest:
		return DropOldest, nil
	case Disconnect:
		return Disconnect, nil
	default:
		return "", errors.New("overflow policy must be drop_oldest or disconnect")
	}
}

var (
	ErrClosed       = errors.New("event bus closed")
	ErrSlowConsumer = errors.New("subscriber disconnected: queue full")
)

const (
	defaultQueueSize   = 256
	defaultHistorySize = 1000
)

type BusParams struct {
	QueueSize   int
	Policy      OverflowPolicy
	HistorySize int
	Metrics     *metrics.Recorder
}

// Bus 进程内发布订阅。Publish 从不阻塞：每个订阅者有独立的有界队列。
type Bus struct {
	queueSize int
	policy    OverflowPolicy
	metrics   *metrics.Recorder
	nowFn     func() time.Time
	seq       atomic.Uint64

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	histMu   sync.Mutex
	history  []Event
	histHead int
	histLen  int
}

func NewBus(p BusParams) *Bus {
	if p.QueueSize <= 0 {
		p.QueueSize = defaultQueueSize
	}
	if p.Policy == "" {
		p.Policy = DropOldest
	}
	if p.HistorySize <= 0 {
		p.HistorySize = defaultHistorySize
	}
	return &Bus{
		queueSize: p.QueueSize,
		policy:    p.Policy,
		metrics:   p.Metrics,
		nowFn:     time.Now,
		subs:      make(map[uint64]*Subscription),
		history:   make([]Event, p.HistorySize),
	}
}

// Subscription 是单个订阅者的句柄。
type Subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	err     error
	dropped atomic.Uint64
}

// C 返回事件通道；订阅结束时通道被关闭。
func (s *Subscription) C() <-chan Event      { return s.ch }
func (s *Subscription) Done() <-chan struct{} { return s.done }
func (s *Subscription) Dropped() uint64       { return s.dropped.Load() }
func (s *Subscription) Filter() Filter        { return s.filter }

// Err 在订阅结束后返回原因（慢消费者断开时为 ErrSlowConsumer）。
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 结束订阅，可重复调用。
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closeLocked(nil)
	s.mu.Unlock()
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
}

// Subscribe 注册订阅者。ctx 结束或订阅被关闭后自动清理，发布方无需感知。
func (b *Bus) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: f,
		ch:     make(chan Event, b.queueSize),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()
	b.metrics.SetSubscribers(count)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
		b.remove(sub.id)
	}()
	return sub, nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	count := len(b.subs)
	b.mu.Unlock()
	b.metrics.SetSubscribers(count)
}

// Publish 补全 id/seq/时间并投递给匹配的订阅者，返回最终事件。
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = b.nowFn()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return e
	}
	// 分配 seq、入历史与投递在同一把锁内完成，订阅者看到的顺序与 seq 一致；deliver 不阻塞
	b.histMu.Lock()
	e.Seq = b.seq.Add(1)
	b.record(e)
	for _, sub := range b.subs {
		if sub.filter.Match(e) {
			b.deliver(sub, e)
		}
	}
	b.histMu.Unlock()
	b.mu.RUnlock()
	b.metrics.RecordPublished(string(e.Type))
	return e
}

func (b *Bus) deliver(sub *Subscription, e Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- e:
		return
	default:
	}
	switch b.policy {
	case Disconnect:
		logger.Warnf("event subscriber %d disconnected: queue full (%d)", sub.id, b.queueSize)
		b.metrics.RecordDropped(string(Disconnect))
		sub.closeLocked(ErrSlowConsumer)
	default:
		// 发送方都持有 sub.mu，消费者只会取走元素，所以腾出一个位置后发送必然成功
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.metrics.RecordDropped(string(DropOldest))
		default:
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) record(e Event) {
	size := len(b.history)
	idx := (b.histHead + b.histLen) % size
	b.history[idx] = e
	if b.histLen < size {
		b.histLen++
	} else {
		b.histHead = (b.histHead + 1) % size
	}
}

// Since 返回 seq 之后仍在历史窗口内且匹配的事件，供断线重连补发。
func (b *Bus) Since(afterSeq uint64, f Filter) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	size := len(b.history)
	var out []Event
	for i := 0; i < b.histLen; i++ {
		e := b.history[(b.histHead+i)%size]
		if e.Seq > afterSeq && f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// SubscriberCount 统计某个 profile 的订阅者数量；profileID 为空时统计全部。
func (b *Bus) SubscriberCount(profileID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if profileID == "" {
		return len(b.subs)
	}
	n := 0
	for _, s := range b.subs {
		if s.filter.ProfileID == "" || s.filter.ProfileID == profileID {
			n++
		}
	}
	return n
}

// Close 关闭总线与全部订阅。
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
