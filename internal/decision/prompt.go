package decision

import (
	"fmt"
	"sort"
	"strings"
)

const outputContract = `Respond with a single JSON object and nothing else:
{"action":"noop|place_order|create_pending|cancel_pending","confidence":0.0-1.0,"reason":"...",
 "observation":"optional one-line market observation",
 "order":{"instrument":"BTC","side":"buy|sell","type":"market|limit","notional":100,"limit_price":0,"leverage":1,"reduce_only":false},
 "pending":{"kind":"stop_loss|take_profit|limit_order|market_order|close_position|scheduled","instrument":"BTC",
   "predicate":{"field":"price|change_24h|time","op":"<=|>=|<|>|==|!=|between","value":0,"value2":0,"at":"RFC3339"},
   "order":{...same as order...},"deadline_minutes":60},
 "cancel_id":"pending action id"}
Notional is in USD and must not exceed the stated maximum. Choose noop when unsure.`

// SystemPrompt 根据 persona 生成系统提示。
func SystemPrompt(in Context) string {
	var b strings.Builder
	b.WriteString("You are an autonomous trading agent.\n")
	b.WriteString(in.Persona.Describe())
	b.WriteString("\n\n")
	b.WriteString(outputContract)
	return b.String()
}

// UserPrompt 渲染周期开始时捕获的上下文。
func UserPrompt(in Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle time: %s\n\n", in.CycleAt.UTC().Format("2006-01-02 15:04:05Z"))

	b.WriteString("## Market\n")
	instruments := in.Instruments
	if len(instruments) == 0 && in.Market != nil {
		instruments = in.Market.Instruments()
	}
	if in.Market == nil || len(instruments) == 0 {
		b.WriteString("No fresh market snapshot.\n")
	}
	for _, inst := range instruments {
		q, ok := in.Market.Quote(inst)
		if !ok {
			fmt.Fprintf(&b, "- %s: unavailable\n", inst)
			continue
		}
		line := fmt.Sprintf("- %s: %.4f", inst, q.Price)
		if q.Change24h != nil {
			line += fmt.Sprintf(" (24h %+.2f%%)", *q.Change24h)
		}
		if rsi, ok := in.Indicators[inst]; ok {
			line += fmt.Sprintf(" RSI14=%.1f", rsi)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n## Margin\n")
	if in.Margin.Fresh {
		fmt.Fprintf(&b, "Maximum order notional: $%s (as of %s)\n", in.Margin.MaxNotional.StringFixed(2), in.Margin.AsOf.UTC().Format("15:04:05Z"))
	} else {
		fmt.Fprintf(&b, "Margin data unavailable (%s). Any new order will be rejected; only noop or cancel_pending are useful.\n", in.Margin.Reason)
	}

	b.WriteString("\n## Active pending actions\n")
	b.WriteString(in.Pending.Describe())
	b.WriteString("\n")

	if len(in.Influences) > 0 {
		b.WriteString("\n## Strongest influences\n")
		inf := append(in.Influences[:0:0], in.Influences...)
		sort.SliceStable(inf, func(i, j int) bool { return inf[i].Weight > inf[j].Weight })
		for _, x := range inf {
			fmt.Fprintf(&b, "- (%.2f) %s -> %s\n", x.Weight, x.Entry.Content, x.Entry.Impact)
		}
	}

	b.WriteString("\n## Recent reasoning\n")
	if in.Summary != "" {
		b.WriteString(in.Summary)
	} else {
		b.WriteString("No recent reasoning.")
	}
	b.WriteString("\n")
	return b.String()
}
