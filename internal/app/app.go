package app

import (
	"context"
	"fmt"
	"time"

	"arena/internal/chat"
	arenacfg "arena/internal/config"
	"arena/internal/events"
	"arena/internal/executor"
	"arena/internal/gateway/kafka"
	"arena/internal/logger"
	"arena/internal/margin"
	"arena/internal/market"
	"arena/internal/metrics"
	"arena/internal/pending"
	"arena/internal/profile"
	"arena/internal/reasoning"
	"arena/internal/scheduler"
	"arena/internal/store/gormstore"
	"arena/internal/store/reasonlog"
	apihttp "arena/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 持有全部运行组件，Run 负责启动并在 ctx 结束后统一收尾。
type App struct {
	cfg     *arenacfg.Config
	metrics *metrics.Recorder
	bus     *events.Bus

	gorm      *gormstore.GormStore
	reasonLog *reasonlog.Store

	profiles   *profile.Registry
	reasoning  *reasoning.Store
	market     *market.Cache
	margin     *margin.Monitor
	dispatcher *executor.Dispatcher
	pending    *pending.Engine
	scheduler  *scheduler.Scheduler
	chat       *chat.Relay

	http  *apihttp.Server
	kafka *kafka.Sink

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *arenacfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动所有后台循环，任一组件返回错误即整体退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()
	if a.Summary != nil {
		a.Summary.Print()
	}
	cfg := a.cfg
	group, ctx := errgroup.WithContext(ctx)

	// 归档和 kafka 先订阅，保证启动阶段的事件也能落下
	if cfg.Events.Archive {
		sub, err := a.bus.Subscribe(ctx, events.Filter{})
		if err != nil {
			return err
		}
		group.Go(func() error { return archiveEvents(ctx, sub, a.gorm) })
	}
	if a.kafka != nil {
		group.Go(func() error { return a.kafka.Run(ctx, a.bus) })
	}

	group.Go(func() error { a.market.Start(ctx); return nil })
	group.Go(func() error { a.margin.Start(ctx); return nil })
	group.Go(func() error { a.reasoning.StartSweeper(ctx, cfg.Reasoning.SweepInterval()); return nil })
	group.Go(func() error { a.pruneReasonLog(ctx); return nil })
	group.Go(func() error { a.pending.StartSweeper(ctx, cfg.Pending.SweepInterval()); return nil })
	group.Go(func() error { a.scheduler.Run(ctx); return nil })
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	a.bus.Publish(events.Event{Type: events.BotStatus, Data: map[string]any{
		"status":   "running",
		"profiles": len(a.profiles.Active()),
	}})
	logger.Infof("arena running: profiles=%d interval=%s", len(a.profiles.Active()), cfg.Scheduler.Interval())

	<-ctx.Done()
	a.bus.Publish(events.Event{Type: events.BotStatus, Data: map[string]any{"status": "stopping"}})
	err := group.Wait()
	logger.Infof("arena stopped")
	return err
}

// pruneReasonLog 按保留时长清理落库的推理条目，内存中的保留由 reasoning.Store 自己负责。
func (a *App) pruneReasonLog(ctx context.Context) {
	interval := a.cfg.Reasoning.SweepInterval()
	if interval <= 0 || a.reasonLog == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.reasonLog.Prune(ctx, time.Now().Add(-a.cfg.Reasoning.MaxAge()))
			if err != nil {
				logger.Warnf("prune reasoning log failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Debugf("pruned %d reasoning rows", n)
			}
		}
	}
}

type eventArchiver interface {
	AppendEvent(ctx context.Context, ev events.Event) error
}

// archiveEvents 把总线事件写入归档表；订阅结束时退出，不影响其他组件。
func archiveEvents(ctx context.Context, sub *events.Subscription, store eventArchiver) error {
	defer sub.Close()
	var failures int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			if err := sub.Err(); err != nil && ctx.Err() == nil {
				logger.Warnf("event archive subscription ended: %v", err)
			}
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			// chunk 事件量大且 final 已含全文，不归档
			if ev.Type == events.ChatAssistantChunk {
				continue
			}
			if err := store.AppendEvent(ctx, ev); err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					logger.Warnf("archive event %s failed (%d): %v", ev.Type, failures, err)
				}
			}
		}
	}
}

func (a *App) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.reasonLog != nil {
		if err := a.reasonLog.Close(); err != nil {
			logger.Warnf("close reasoning log: %v", err)
		}
	}
	if a.gorm != nil {
		if err := a.gorm.Close(); err != nil {
			logger.Warnf("close gorm store: %v", err)
		}
	}
}

// Scheduler 暴露调度器，供测试或外部编排直接触发周期。
func (a *App) Scheduler() *scheduler.Scheduler {
	if a == nil {
		return nil
	}
	return a.scheduler
}
