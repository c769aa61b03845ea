package config

import (
	"strings"
	"time"
)

// Config 是 arena 的主配置载体。
type Config struct {
	App          AppConfig       `toml:"app"`
	Scheduler    SchedulerConfig `toml:"scheduler"`
	Market       MarketConfig    `toml:"market"`
	Margin       MarginConfig    `toml:"margin"`
	Reasoning    ReasoningConfig `toml:"reasoning"`
	Pending      PendingConfig   `toml:"pending"`
	Dispatch     DispatchConfig  `toml:"dispatch"`
	Events       EventsConfig    `toml:"events"`
	AI           AIConfig        `toml:"ai"`
	Notify       NotifyConfig    `toml:"notify"`
	ProfilesPath string          `toml:"profiles_path"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	LLMLog    string `toml:"llm_log_path"`
	HTTPAddr  string `toml:"http_addr"`
	// HTTPRatePerSecond 限制 /api 的请求速率（全局）。
	HTTPRatePerSecond float64 `toml:"http_rate_per_second"`
	HTTPBurst         int     `toml:"http_burst"`
}

type SchedulerConfig struct {
	IntervalSeconds        int  `toml:"interval_seconds"`
	OffsetSeconds          int  `toml:"offset_seconds"`
	DecisionTimeoutSeconds int  `toml:"decision_timeout_seconds"`
	Workers                int  `toml:"workers"`
	RunImmediately         bool `toml:"run_immediately"`
	BreakerThreshold       int  `toml:"breaker_threshold"`
	BreakerCooldownSeconds int  `toml:"breaker_cooldown_seconds"`
}

func (s SchedulerConfig) Interval() time.Duration { return seconds(s.IntervalSeconds) }
func (s SchedulerConfig) Offset() time.Duration   { return seconds(s.OffsetSeconds) }

// DecisionTimeout 不超过周期间隔。
func (s SchedulerConfig) DecisionTimeout() time.Duration {
	d := seconds(s.DecisionTimeoutSeconds)
	if iv := s.Interval(); d <= 0 || (iv > 0 && d > iv) {
		return iv
	}
	return d
}

func (s SchedulerConfig) BreakerCooldown() time.Duration { return seconds(s.BreakerCooldownSeconds) }

type MarketConfig struct {
	Source                 string   `toml:"source"` // binance | static
	RESTBaseURL            string   `toml:"rest_base_url"`
	Symbols                []string `toml:"symbols"`
	RefreshIntervalSeconds int      `toml:"refresh_interval_seconds"`
	StaleAfterSeconds      int      `toml:"stale_after_seconds"`
	HistorySize            int      `toml:"history_size"`
	HTTPTimeoutSeconds     int      `toml:"http_timeout_seconds"`
	Proxy                  string   `toml:"proxy"`
	// StaticPrices 仅在 source=static 时使用（离线演示/测试）。
	StaticPrices map[string]float64 `toml:"static_prices"`
}

func (m MarketConfig) RefreshInterval() time.Duration { return seconds(m.RefreshIntervalSeconds) }
func (m MarketConfig) StaleAfter() time.Duration      { return seconds(m.StaleAfterSeconds) }
func (m MarketConfig) HTTPTimeout() time.Duration     { return seconds(m.HTTPTimeoutSeconds) }

type MarginConfig struct {
	ProviderURL         string             `toml:"provider_url"`
	APIKey              string             `toml:"api_key"`
	PollIntervalSeconds int                `toml:"poll_interval_seconds"`
	TTLSeconds          int                `toml:"ttl_seconds"`
	Concurrency         int                `toml:"concurrency"`
	HistoryLimit        int                `toml:"history_limit"`
	BaseFraction        float64            `toml:"base_fraction"`
	RiskFractions       map[string]float64 `toml:"risk_fractions"`
	// PaperEquity 在未配置 provider_url 时作为每个账户的固定权益。
	PaperEquity float64 `toml:"paper_equity"`
}

func (m MarginConfig) PollInterval() time.Duration { return seconds(m.PollIntervalSeconds) }
func (m MarginConfig) TTL() time.Duration          { return seconds(m.TTLSeconds) }

type ReasoningConfig struct {
	DBPath               string `toml:"db_path"`
	MaxEntries           int    `toml:"max_entries"`
	MaxAgeHours          int    `toml:"max_age_hours"`
	TradingWindowHours   int    `toml:"trading_window_hours"`
	ChatWindowHours      int    `toml:"chat_window_hours"`
	ViewLimit            int    `toml:"view_limit"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
}

func (r ReasoningConfig) MaxAge() time.Duration        { return time.Duration(r.MaxAgeHours) * time.Hour }
func (r ReasoningConfig) TradingWindow() time.Duration { return time.Duration(r.TradingWindowHours) * time.Hour }
func (r ReasoningConfig) ChatWindow() time.Duration    { return time.Duration(r.ChatWindowHours) * time.Hour }
func (r ReasoningConfig) SweepInterval() time.Duration { return seconds(r.SweepIntervalSeconds) }

type PendingConfig struct {
	DBPath                 string `toml:"db_path"`
	SweepIntervalSeconds   int    `toml:"sweep_interval_seconds"`
	TerminalRetentionHours int    `toml:"terminal_retention_hours"`
	DispatchWorkers        int    `toml:"dispatch_workers"`
}

func (p PendingConfig) SweepInterval() time.Duration { return seconds(p.SweepIntervalSeconds) }
func (p PendingConfig) TerminalRetention() time.Duration {
	return time.Duration(p.TerminalRetentionHours) * time.Hour
}

type DispatchConfig struct {
	Mode            string  `toml:"mode"` // paper | live
	ExchangeURL     string  `toml:"exchange_url"`
	APIKey          string  `toml:"api_key"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
	RatePerSecond   float64 `toml:"rate_per_second"`
	Burst           int     `toml:"burst"`
	MinNotionalUSD  float64 `toml:"min_notional_usd"`
	OutcomeTTLHours int     `toml:"outcome_ttl_hours"`
}

func (d DispatchConfig) Timeout() time.Duration    { return seconds(d.TimeoutSeconds) }
func (d DispatchConfig) OutcomeTTL() time.Duration { return time.Duration(d.OutcomeTTLHours) * time.Hour }
func (d DispatchConfig) Live() bool                { return strings.EqualFold(d.Mode, "live") }

type EventsConfig struct {
	QueueSize      int         `toml:"queue_size"`
	OverflowPolicy string      `toml:"overflow_policy"` // drop_oldest | disconnect
	HistorySize    int         `toml:"history_size"`
	Archive        bool        `toml:"archive"`
	Kafka          KafkaConfig `toml:"kafka"`
}

type KafkaConfig struct {
	Enabled     bool     `toml:"enabled"`
	Brokers     []string `toml:"brokers"`
	Topic       string   `toml:"topic"`
	Compression string   `toml:"compression"`
	Families    []string `toml:"families"`
}

type AIConfig struct {
	APIURL         string  `toml:"api_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	ChatModel      string  `toml:"chat_model"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	Temperature    float64 `toml:"temperature"`
	MaxRetries     int     `toml:"max_retries"`
}

// Enabled 报告是否配置了推理服务；未配置时决策方退化为 no-op。
func (a AIConfig) Enabled() bool {
	return strings.TrimSpace(a.APIURL) != "" && strings.TrimSpace(a.Model) != ""
}

func (a AIConfig) Timeout() time.Duration { return seconds(a.TimeoutSeconds) }

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	BaseURL  string `toml:"base_url"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
