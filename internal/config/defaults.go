package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv         = "dev"
	defaultAppLogLevel    = "info"
	defaultAppLogFormat   = "text"
	defaultAppHTTPAddr    = ":9991"
	defaultHTTPRate       = 20
	defaultHTTPBurst      = 40
	defaultProfilesPath   = "configs/profiles.yaml"
	defaultMarketSource   = "binance"
	defaultMarketREST     = "https://fapi.binance.com"
	defaultMarketRefresh  = 15
	defaultMarketStale    = 60
	defaultMarketHistory  = 240
	defaultMarketTimeout  = 15
	defaultMarginPoll     = 30
	defaultMarginTTL      = 120
	defaultMarginConc     = 4
	defaultMarginHistory  = 2880
	defaultBaseFraction   = 0.5
	defaultPaperEquity    = 1000
	defaultReasoningDB    = "data/arena.db"
	defaultMaxEntries     = 100
	defaultMaxAgeHours    = 7 * 24
	defaultTradingWindow  = 48
	defaultChatWindow     = 24
	defaultViewLimit      = 20
	defaultSweepSeconds   = 300
	defaultPendingSweep   = 30
	defaultTerminalHours  = 24
	defaultPendingWorkers = 8
	defaultDispatchMode   = "paper"
	defaultDispatchTO     = 10
	defaultDispatchRate   = 5
	defaultDispatchBurst  = 5
	defaultMinNotional    = 10
	defaultOutcomeTTL     = 24
	defaultQueueSize      = 256
	defaultOverflow       = "drop_oldest"
	defaultHistorySize    = 1000
	defaultKafkaTopic     = "arena.events"
	defaultInterval       = 300
	defaultWorkers        = 8
	defaultBreakerThresh  = 3
	defaultBreakerCool    = 600
	defaultAITimeout      = 60
	defaultAITemperature  = 0.4
	defaultAIRetries      = 2
	defaultTelegramAPI    = "https://api.telegram.org"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("profiles_path", &c.ProfilesPath, defaultProfilesPath))
	c.App.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Margin.applyDefaults(keys)
	c.Reasoning.applyDefaults(keys)
	c.Pending.applyDefaults(keys)
	c.Dispatch.applyDefaults(keys)
	c.Events.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		floatFieldDefault("app.http_rate_per_second", &a.HTTPRatePerSecond, defaultHTTPRate),
		intFieldDefault("app.http_burst", &a.HTTPBurst, defaultHTTPBurst),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("scheduler.interval_seconds", &s.IntervalSeconds, defaultInterval),
		intFieldDefault("scheduler.workers", &s.Workers, defaultWorkers),
		intFieldDefault("scheduler.breaker_threshold", &s.BreakerThreshold, defaultBreakerThresh),
		intFieldDefault("scheduler.breaker_cooldown_seconds", &s.BreakerCooldownSeconds, defaultBreakerCool),
	)
	// 决策超时缺省等于周期间隔
	applyFieldDefaults(keys, intFieldDefault("scheduler.decision_timeout_seconds", &s.DecisionTimeoutSeconds, s.IntervalSeconds))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.source", &m.Source, defaultMarketSource),
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		intFieldDefault("market.refresh_interval_seconds", &m.RefreshIntervalSeconds, defaultMarketRefresh),
		intFieldDefault("market.stale_after_seconds", &m.StaleAfterSeconds, defaultMarketStale),
		intFieldDefault("market.history_size", &m.HistorySize, defaultMarketHistory),
		intFieldDefault("market.http_timeout_seconds", &m.HTTPTimeoutSeconds, defaultMarketTimeout),
	)
	m.Source = strings.ToLower(strings.TrimSpace(m.Source))
	m.Symbols = normalizeList(m.Symbols, strings.ToUpper)
}

func (m *MarginConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("margin.poll_interval_seconds", &m.PollIntervalSeconds, defaultMarginPoll),
		intFieldDefault("margin.ttl_seconds", &m.TTLSeconds, defaultMarginTTL),
		intFieldDefault("margin.concurrency", &m.Concurrency, defaultMarginConc),
		intFieldDefault("margin.history_limit", &m.HistoryLimit, defaultMarginHistory),
		floatFieldDefault("margin.base_fraction", &m.BaseFraction, defaultBaseFraction),
		floatFieldDefault("margin.paper_equity", &m.PaperEquity, defaultPaperEquity),
	)
}

func (r *ReasoningConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("reasoning.db_path", &r.DBPath, defaultReasoningDB),
		intFieldDefault("reasoning.max_entries", &r.MaxEntries, defaultMaxEntries),
		intFieldDefault("reasoning.max_age_hours", &r.MaxAgeHours, defaultMaxAgeHours),
		intFieldDefault("reasoning.trading_window_hours", &r.TradingWindowHours, defaultTradingWindow),
		intFieldDefault("reasoning.chat_window_hours", &r.ChatWindowHours, defaultChatWindow),
		intFieldDefault("reasoning.view_limit", &r.ViewLimit, defaultViewLimit),
		intFieldDefault("reasoning.sweep_interval_seconds", &r.SweepIntervalSeconds, defaultSweepSeconds),
	)
}

func (p *PendingConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("pending.db_path", &p.DBPath, defaultReasoningDB),
		intFieldDefault("pending.sweep_interval_seconds", &p.SweepIntervalSeconds, defaultPendingSweep),
		intFieldDefault("pending.terminal_retention_hours", &p.TerminalRetentionHours, defaultTerminalHours),
		intFieldDefault("pending.dispatch_workers", &p.DispatchWorkers, defaultPendingWorkers),
	)
}

func (d *DispatchConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("dispatch.mode", &d.Mode, defaultDispatchMode),
		intFieldDefault("dispatch.timeout_seconds", &d.TimeoutSeconds, defaultDispatchTO),
		floatFieldDefault("dispatch.rate_per_second", &d.RatePerSecond, defaultDispatchRate),
		intFieldDefault("dispatch.burst", &d.Burst, defaultDispatchBurst),
		floatFieldDefault("dispatch.min_notional_usd", &d.MinNotionalUSD, defaultMinNotional),
		intFieldDefault("dispatch.outcome_ttl_hours", &d.OutcomeTTLHours, defaultOutcomeTTL),
	)
	d.Mode = strings.ToLower(strings.TrimSpace(d.Mode))
}

func (e *EventsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("events.queue_size", &e.QueueSize, defaultQueueSize),
		stringFieldDefault("events.overflow_policy", &e.OverflowPolicy, defaultOverflow),
		intFieldDefault("events.history_size", &e.HistorySize, defaultHistorySize),
		stringFieldDefault("events.kafka.topic", &e.Kafka.Topic, defaultKafkaTopic),
		stringFieldDefault("events.kafka.compression", &e.Kafka.Compression, "gzip"),
	)
	e.Kafka.Brokers = normalizeList(e.Kafka.Brokers, nil)
	e.Kafka.Families = normalizeList(e.Kafka.Families, strings.ToLower)
}

func (a *AIConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("ai.timeout_seconds", &a.TimeoutSeconds, defaultAITimeout),
		floatFieldDefault("ai.temperature", &a.Temperature, defaultAITemperature),
		intFieldDefault("ai.max_retries", &a.MaxRetries, defaultAIRetries),
		stringFieldDefault("ai.chat_model", &a.ChatModel, a.Model),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("notify.telegram.base_url", &n.Telegram.BaseURL, defaultTelegramAPI))
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func normalizeList(in []string, fn func(string) string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if fn != nil {
			s = fn(s)
		}
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
