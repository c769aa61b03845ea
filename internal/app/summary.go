package app

import (
	"fmt"
	"sort"
	"strings"

	arenacfg "arena/internal/config"
	"arena/internal/decision"
)

// StartupSummary 在启动时打印一次关键配置，便于核对部署。
type StartupSummary struct {
	Market    MarketSummary
	Scheduler SchedulerSummary
	Execution ExecutionSummary
	Profiles  []ProfileLine
}

type MarketSummary struct {
	Source     string
	Symbols    []string
	Refresh    string
	StaleAfter string
}

type SchedulerSummary struct {
	Interval        string
	DecisionTimeout string
	Workers         int
	Decider         string
}

type ExecutionSummary struct {
	Exchange    string
	Mode        string
	MinNotional float64
	Rate        float64
	Kafka       string
	HTTPAddr    string
}

type ProfileLine struct {
	ID      string
	Persona string
	Active  bool
	Account string
}

func buildSummary(cfg *arenacfg.Config, a *App, exchangeName string, decider decision.Decider) *StartupSummary {
	s := &StartupSummary{
		Market: MarketSummary{
			Source:     cfg.Market.Source,
			Symbols:    cfg.Market.Symbols,
			Refresh:    cfg.Market.RefreshInterval().String(),
			StaleAfter: cfg.Market.StaleAfter().String(),
		},
		Scheduler: SchedulerSummary{
			Interval:        cfg.Scheduler.Interval().String(),
			DecisionTimeout: cfg.Scheduler.DecisionTimeout().String(),
			Workers:         cfg.Scheduler.Workers,
			Decider:         fmt.Sprintf("%T", decider),
		},
		Execution: ExecutionSummary{
			Exchange:    exchangeName,
			Mode:        cfg.Dispatch.Mode,
			MinNotional: cfg.Dispatch.MinNotionalUSD,
			Rate:        cfg.Dispatch.RatePerSecond,
			HTTPAddr:    cfg.App.HTTPAddr,
		},
	}
	if cfg.Events.Kafka.Enabled {
		s.Execution.Kafka = cfg.Events.Kafka.Topic
	}
	for _, p := range a.profiles.All() {
		s.Profiles = append(s.Profiles, ProfileLine{
			ID:      p.ID(),
			Persona: p.Persona().Describe(),
			Active:  p.Active(),
			Account: p.AccountRef(),
		})
	}
	sort.Slice(s.Profiles, func(i, j int) bool { return s.Profiles[i].ID < s.Profiles[j].ID })
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[行情 (MARKET)]")
	fmt.Printf("  数据源: %s\n", s.Market.Source)
	fmt.Printf("  标的: %s\n", formatList(s.Market.Symbols))
	fmt.Printf("  刷新/过期: %s / %s\n", s.Market.Refresh, s.Market.StaleAfter)
	fmt.Println()

	fmt.Println("[调度 (SCHEDULER)]")
	fmt.Printf("  周期: %s  决策超时: %s  并发: %d\n", s.Scheduler.Interval, s.Scheduler.DecisionTimeout, s.Scheduler.Workers)
	fmt.Printf("  决策方: %s\n", s.Scheduler.Decider)
	fmt.Println()

	fmt.Println("[执行 (EXECUTION)]")
	fmt.Printf("  交易通道: %s (mode=%s)\n", s.Execution.Exchange, s.Execution.Mode)
	fmt.Printf("  最小名义价值: %.2f  限速: %.1f/s\n", s.Execution.MinNotional, s.Execution.Rate)
	if s.Execution.Kafka != "" {
		fmt.Printf("  Kafka topic: %s\n", s.Execution.Kafka)
	}
	if s.Execution.HTTPAddr != "" {
		fmt.Printf("  HTTP API: %s\n", s.Execution.HTTPAddr)
	}
	fmt.Println()

	fmt.Println("[Profiles]")
	if len(s.Profiles) == 0 {
		fmt.Println("  (无配置)")
	}
	for _, p := range s.Profiles {
		state := "active"
		if !p.Active {
			state = "inactive"
		}
		fmt.Printf("  > %s [%s] account=%s\n", p.ID, state, p.Account)
		fmt.Printf("    %s\n", strings.ReplaceAll(p.Persona, "\n", "\n    "))
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
