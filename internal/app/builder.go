package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"arena/internal/chat"
	arenacfg "arena/internal/config"
	cfgloader "arena/internal/config/loader"
	"arena/internal/decision"
	"arena/internal/events"
	"arena/internal/executor"
	"arena/internal/gateway/kafka"
	"arena/internal/gateway/llm"
	"arena/internal/gateway/notifier"
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

	"github.com/shopspring/decimal"
)

// AppBuilder 按配置组装各组件；外部依赖（行情、账户、交易所、模型、通知）可通过 Option 替换。
type AppBuilder struct {
	cfg *arenacfg.Config

	marketProviderFn  func(arenacfg.MarketConfig) (market.Provider, error)
	balanceProviderFn func(arenacfg.MarginConfig) margin.Provider
	exchangeFn        func(arenacfg.DispatchConfig) (executor.Exchange, error)
	llmClientFn       func(arenacfg.AIConfig, string) *llm.Client
	notifierFn        func(arenacfg.NotifyConfig) notifier.TextNotifier
	profileLoaderFn   func(string) (*cfgloader.ProfileLoader, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *arenacfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:               cfg,
		marketProviderFn:  buildMarketProvider,
		balanceProviderFn: buildBalanceProvider,
		exchangeFn:        buildExchange,
		llmClientFn:       buildLLMClient,
		notifierFn:        buildNotifier,
		profileLoaderFn:   cfgloader.NewProfileLoader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func WithMarketProvider(fn func(arenacfg.MarketConfig) (market.Provider, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.marketProviderFn = fn
		}
	}
}

func WithBalanceProvider(fn func(arenacfg.MarginConfig) margin.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.balanceProviderFn = fn
		}
	}
}

func WithExchange(fn func(arenacfg.DispatchConfig) (executor.Exchange, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.exchangeFn = fn
		}
	}
}

// WithProfileLoader 替换 profiles.yaml 的加载方式，测试里用 LoadOnce 避免 fsnotify。
func WithProfileLoader(fn func(string) (*cfgloader.ProfileLoader, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.profileLoaderFn = fn
		}
	}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	a := &App{cfg: cfg, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	policy, err := events.ParseOverflowPolicy(cfg.Events.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	a.bus = events.NewBus(events.BusParams{
		QueueSize:   cfg.Events.QueueSize,
		Policy:      policy,
		HistorySize: cfg.Events.HistorySize,
		Metrics:     a.metrics,
	})

	if err := b.openStores(a); err != nil {
		return nil, err
	}

	// 先恢复运维停用状态，再同步 profiles.yaml
	a.profiles = profile.NewRegistry(a.gorm)
	if err := a.profiles.Restore(ctx); err != nil {
		return nil, fmt.Errorf("恢复 profile 状态失败: %w", err)
	}
	ld, err := b.profileLoaderFn(cfg.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("加载 profiles 失败: %w", err)
	}
	a.profiles.Bind(ld)
	ld.Subscribe(func(snap cfgloader.ProfileSnapshot) {
		a.bus.Publish(events.Event{Type: events.ProfileUpdated, Data: map[string]any{"profiles": len(snap.Profiles)}})
	})
	logger.Infof("✓ 已加载 %d 个 profile（活跃 %d）", len(a.profiles.All()), len(a.profiles.Active()))

	a.reasoning = reasoning.NewStore(reasoning.StoreParams{
		Retention: reasoning.Retention{MaxEntries: cfg.Reasoning.MaxEntries, MaxAge: cfg.Reasoning.MaxAge()},
		Persister: a.reasonLog,
		Purposes:  purposesFromConfig(cfg.Reasoning),
	})
	if err := a.reasoning.Restore(ctx, profileIDs(a.profiles)); err != nil {
		return nil, fmt.Errorf("恢复推理记录失败: %w", err)
	}
	a.reasoning.OnAppend(func(e reasoning.Entry) {
		a.bus.Publish(events.Event{
			Type:      events.ReasoningAppended,
			ProfileID: e.ProfileID,
			Data:      map[string]any{"entry_id": e.ID, "category": e.Category, "source": e.Source},
		})
	})

	provider, err := b.marketProviderFn(cfg.Market)
	if err != nil {
		return nil, err
	}
	a.market = market.NewCache(market.CacheParams{
		Provider:        provider,
		RefreshInterval: cfg.Market.RefreshInterval(),
		StaleAfter:      cfg.Market.StaleAfter(),
		HistorySize:     cfg.Market.HistorySize,
		Metrics:         a.metrics,
	})

	sizing, err := profile.NewSizingPolicy(cfg.Margin.BaseFraction, cfg.Margin.RiskFractions)
	if err != nil {
		return nil, err
	}
	a.margin = margin.NewMonitor(margin.MonitorParams{
		Provider:     b.balanceProviderFn(cfg.Margin),
		Profiles:     a.profiles,
		Policy:       sizing,
		PollInterval: cfg.Margin.PollInterval(),
		TTL:          cfg.Margin.TTL(),
		Concurrency:  cfg.Margin.Concurrency,
		HistoryLimit: cfg.Margin.HistoryLimit,
		Metrics:      a.metrics,
	})
	a.margin.OnUpdate(func(st margin.State) {
		ch1h, ch24h := a.margin.EquityChange(st.ProfileID)
		a.bus.Publish(events.Event{
			Type:      events.AccountEquityUpdate,
			ProfileID: st.ProfileID,
			Data: map[string]any{
				"equity":            st.Equity.String(),
				"free_collateral":   st.FreeCollateral.String(),
				"as_of":             st.AsOf,
				"equity_change_1h":  ch1h,
				"equity_change_24h": ch24h,
			},
		})
	})

	exch, err := b.exchangeFn(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	minNotional := decimal.NewFromFloat(cfg.Dispatch.MinNotionalUSD)
	a.dispatcher = executor.NewDispatcher(executor.DispatcherParams{
		Exchange:      exch,
		Profiles:      a.profiles,
		Reasoning:     a.reasoning,
		Publisher:     a.bus,
		Notifier:      b.notifierFn(cfg.Notify),
		Metrics:       a.metrics,
		Timeout:       cfg.Dispatch.Timeout(),
		RatePerSecond: cfg.Dispatch.RatePerSecond,
		Burst:         cfg.Dispatch.Burst,
		MinNotional:   minNotional,
		OutcomeTTL:    cfg.Dispatch.OutcomeTTL(),
	})
	logger.Infof("✓ 下单通道: %s (mode=%s)", exch.Name(), cfg.Dispatch.Mode)

	a.pending = pending.NewEngine(pending.EngineParams{
		Dispatcher:        a.dispatcher,
		Persister:         a.gorm,
		Publisher:         a.bus,
		Metrics:           a.metrics,
		TerminalRetention: cfg.Pending.TerminalRetention(),
		DispatchWorkers:   cfg.Pending.DispatchWorkers,
	})
	restored, err := a.pending.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("恢复挂单失败: %w", err)
	}
	if restored > 0 {
		logger.Infof("✓ 恢复 %d 个活跃挂单", restored)
	}
	a.market.OnSnapshot(a.onSnapshot)

	var decider decision.Decider = decision.Hold{}
	if client := b.llmClientFn(cfg.AI, cfg.AI.Model); client != nil {
		llmDecider, err := decision.NewLLMDecider(client)
		if err != nil {
			return nil, err
		}
		decider = llmDecider
		logger.Infof("✓ 决策模型: %s", cfg.AI.Model)
	} else {
		logger.Warnf("未配置推理服务，所有 profile 将保持观望")
	}
	a.scheduler = scheduler.New(scheduler.Params{
		Profiles:         a.profiles,
		Market:           a.market,
		Margin:           a.margin,
		Reasoning:        a.reasoning,
		Pending:          a.pending,
		Dispatcher:       a.dispatcher,
		Decider:          decider,
		Publisher:        a.bus,
		Metrics:          a.metrics,
		Interval:         cfg.Scheduler.Interval(),
		Offset:           cfg.Scheduler.Offset(),
		DecisionTimeout:  cfg.Scheduler.DecisionTimeout(),
		Workers:          cfg.Scheduler.Workers,
		RunImmediately:   cfg.Scheduler.RunImmediately,
		ViewLimit:        cfg.Reasoning.ViewLimit,
		BreakerThreshold: cfg.Scheduler.BreakerThreshold,
		BreakerCooldown:  cfg.Scheduler.BreakerCooldown(),
		MinNotional:      minNotional,
	})

	deps := apihttp.Deps{
		Profiles:      a.profiles,
		Cycles:        a.scheduler,
		Reasoning:     a.reasoning,
		Pending:       a.pending,
		Market:        a.market,
		Margin:        a.margin,
		Events:        a.bus,
		TradingWindow: cfg.Reasoning.TradingWindow(),
	}
	if client := b.llmClientFn(cfg.AI, cfg.AI.ChatModel); client != nil {
		a.chat = chat.NewRelay(chat.RelayParams{
			Streamer:  client,
			Profiles:  a.profiles,
			Reasoning: a.reasoning,
			Publisher: a.bus,
			Timeout:   cfg.AI.Timeout(),
			ViewLimit: cfg.Reasoning.ViewLimit,
		})
		deps.Chat = a.chat
	}
	if cfg.Events.Archive {
		deps.History = a.gorm
	}
	if strings.TrimSpace(cfg.App.HTTPAddr) != "" {
		a.http, err = apihttp.NewServer(apihttp.ServerConfig{
			Addr:          cfg.App.HTTPAddr,
			Deps:          deps,
			RatePerSecond: cfg.App.HTTPRatePerSecond,
			Burst:         cfg.App.HTTPBurst,
			Metrics:       a.metrics.Handler(),
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 HTTP API 失败: %w", err)
		}
	}

	if cfg.Events.Kafka.Enabled {
		a.kafka, err = kafka.NewSink(kafka.Config{
			Brokers:     cfg.Events.Kafka.Brokers,
			Topic:       cfg.Events.Kafka.Topic,
			Compression: cfg.Events.Kafka.Compression,
		}, events.Filter{Families: cfg.Events.Kafka.Families})
		if err != nil {
			return nil, fmt.Errorf("初始化 kafka sink 失败: %w", err)
		}
		logger.Infof("✓ 事件转发到 kafka topic=%s", cfg.Events.Kafka.Topic)
	}

	a.Summary = buildSummary(cfg, a, exch.Name(), decider)
	ok = true
	return a, nil
}

// openStores 打开 gorm 存储；推理日志与其同文件时复用同一个连接。
func (b *AppBuilder) openStores(a *App) error {
	cfg := b.cfg
	gs, err := gormstore.NewGormStore(cfg.Pending.DBPath)
	if err != nil {
		return fmt.Errorf("初始化 gorm 存储失败: %w", err)
	}
	a.gorm = gs
	if samePath(cfg.Pending.DBPath, cfg.Reasoning.DBPath) {
		sqlDB, err := gs.SQLDB()
		if err != nil {
			return err
		}
		a.reasonLog, err = reasonlog.NewFromDB(sqlDB)
		if err != nil {
			return fmt.Errorf("初始化推理日志失败: %w", err)
		}
		return nil
	}
	a.reasonLog, err = reasonlog.New(cfg.Reasoning.DBPath)
	if err != nil {
		return fmt.Errorf("初始化推理日志失败: %w", err)
	}
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

func purposesFromConfig(cfg arenacfg.ReasoningConfig) map[reasoning.Purpose]reasoning.PurposeSpec {
	return map[reasoning.Purpose]reasoning.PurposeSpec{
		reasoning.PurposeTrading: {
			Categories: []reasoning.Category{
				reasoning.CategoryChatInfluence,
				reasoning.CategoryMarketObservation,
				reasoning.CategoryDecision,
				reasoning.CategoryOutcome,
			},
			Window: cfg.TradingWindow(),
			Limit:  cfg.ViewLimit,
		},
		reasoning.PurposeChat: {Window: cfg.ChatWindow(), Limit: 50},
	}
}

func profileIDs(reg *profile.Registry) []string {
	all := reg.All()
	ids := make([]string, 0, len(all))
	for _, p := range all {
		ids = append(ids, p.ID())
	}
	return ids
}

// onSnapshot 每个新快照先驱动挂单评估，再对外广播行情。
func (a *App) onSnapshot(ctx context.Context, snap *market.Snapshot) {
	report := a.pending.Evaluate(ctx, snap)
	quotes := make(map[string]any, len(snap.Quotes))
	for inst, q := range snap.Quotes {
		quotes[inst] = q
	}
	a.bus.Publish(events.Event{
		Type: events.MarketUpdate,
		At:   snap.At,
		Data: map[string]any{"seq": snap.Seq, "quotes": quotes, "fired": len(report.Fired)},
	})
}
