// Package circuit 为按 profile 隔离的外部调用（决策方、保证金接口）提供熔断。
package circuit

import (
	"sync"
	"time"

	"arena/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker 连续失败达到阈值后打开。冷却期过后放行一次试探：
// 试探成功即关闭，失败则重新打开并重新计时。
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	nowFn     func() time.Time
	onChange  func(name string, from, to State)

	mu       sync.Mutex
	state    State
	streak   int
	openedAt time.Time
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, nowFn: time.Now}
}

// OnChange 替换默认的状态变化日志。回调在独立 goroutine 中执行。
func (b *Breaker) OnChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *Breaker) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	b.mu.Lock()
	b.nowFn = now
	b.mu.Unlock()
}

// Allow 报告本次调用是否放行；打开状态冷却到期时切到半开并放行。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return true
	}
	if b.nowFn().Sub(b.openedAt) <= b.cooldown {
		return false
	}
	b.moveTo(StateHalfOpen)
	return true
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
	if b.state == StateHalfOpen {
		b.moveTo(StateClosed)
	}
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak++
	if b.state == StateHalfOpen || (b.state == StateClosed && b.streak >= b.threshold) {
		b.openedAt = b.nowFn()
		b.moveTo(StateOpen)
	}
}

// Failures 是当前连续失败次数。
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streak
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAt 返回打开状态下允许下一次试探的时间；未打开时为零值。
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.cooldown)
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		go b.onChange(b.name, from, to)
		return
	}
	logger.Warnf("breaker %s: %s -> %s (streak=%d threshold=%d cooldown=%s)",
		b.name, from, to, b.streak, b.threshold, b.cooldown)
}
