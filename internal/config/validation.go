package config

import (
	"fmt"
	"strings"

	"arena/internal/events"
	"arena/internal/profile"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	checks := []func() error{
		c.App.validate,
		c.Scheduler.validate,
		c.Market.validate,
		c.Margin.validate,
		c.Reasoning.validate,
		c.Dispatch.validate,
		c.Events.validate,
		c.AI.validate,
		c.Notify.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.ProfilesPath) == "" {
		return fmt.Errorf("profiles_path cannot be empty")
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	if a.HTTPBurst < 0 || a.HTTPRatePerSecond < 0 {
		return fmt.Errorf("app.http_rate_per_second and app.http_burst must be >= 0")
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if s.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be > 0")
	}
	if s.OffsetSeconds < 0 || s.OffsetSeconds >= s.IntervalSeconds {
		return fmt.Errorf("scheduler.offset_seconds must be within [0, interval_seconds)")
	}
	if s.DecisionTimeoutSeconds < 0 {
		return fmt.Errorf("scheduler.decision_timeout_seconds must be >= 0")
	}
	if s.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	switch m.Source {
	case "binance":
		if strings.TrimSpace(m.RESTBaseURL) == "" {
			return fmt.Errorf("market.rest_base_url cannot be empty for binance source")
		}
	case "static":
		if len(m.StaticPrices) == 0 {
			return fmt.Errorf("market.static_prices is required for static source")
		}
	default:
		return fmt.Errorf("market.source must be binance or static, got %q", m.Source)
	}
	if m.StaleAfterSeconds < m.RefreshIntervalSeconds {
		return fmt.Errorf("market.stale_after_seconds (%d) must be >= refresh_interval_seconds (%d)",
			m.StaleAfterSeconds, m.RefreshIntervalSeconds)
	}
	return nil
}

func (m *MarginConfig) validate() error {
	if m.TTLSeconds < m.PollIntervalSeconds {
		return fmt.Errorf("margin.ttl_seconds (%d) must be >= poll_interval_seconds (%d)", m.TTLSeconds, m.PollIntervalSeconds)
	}
	if m.BaseFraction <= 0 || m.BaseFraction > 1 {
		return fmt.Errorf("margin.base_fraction must be within (0,1]")
	}
	if _, err := profile.NewSizingPolicy(m.BaseFraction, m.RiskFractions); err != nil {
		return fmt.Errorf("margin.risk_fractions: %w", err)
	}
	return nil
}

func (r *ReasoningConfig) validate() error {
	if r.MaxEntries <= 0 {
		return fmt.Errorf("reasoning.max_entries must be > 0")
	}
	if r.ViewLimit > r.MaxEntries {
		return fmt.Errorf("reasoning.view_limit (%d) cannot exceed max_entries (%d)", r.ViewLimit, r.MaxEntries)
	}
	return nil
}

func (d *DispatchConfig) validate() error {
	switch d.Mode {
	case "paper":
	case "live":
		if strings.TrimSpace(d.ExchangeURL) == "" {
			return fmt.Errorf("dispatch.exchange_url is required in live mode")
		}
	default:
		return fmt.Errorf("dispatch.mode must be paper or live, got %q", d.Mode)
	}
	if d.RatePerSecond <= 0 || d.Burst <= 0 {
		return fmt.Errorf("dispatch.rate_per_second and dispatch.burst must be > 0")
	}
	if d.MinNotionalUSD < 0 {
		return fmt.Errorf("dispatch.min_notional_usd must be >= 0")
	}
	return nil
}

func (e *EventsConfig) validate() error {
	if _, err := events.ParseOverflowPolicy(e.OverflowPolicy); err != nil {
		return fmt.Errorf("events.overflow_policy: %w", err)
	}
	if e.Kafka.Enabled {
		if len(e.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when kafka is enabled")
		}
		if strings.TrimSpace(e.Kafka.Topic) == "" {
			return fmt.Errorf("events.kafka.topic cannot be empty")
		}
	}
	return nil
}

func (a *AIConfig) validate() error {
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("ai.temperature must be within [0,2]")
	}
	if strings.TrimSpace(a.APIURL) != "" && strings.TrimSpace(a.Model) == "" {
		return fmt.Errorf("ai.model is required when ai.api_url is set")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}
