package decision

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/pending"
	"arena/internal/pkg/jsonutil"
	"arena/internal/types"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

//go:embed schema.json
var schemaJSON []byte

// Completer 是聊天补全客户端。
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMDecider 调用模型并把输出解析为 Decision。输出必须通过 JSON Schema 校验。
type LLMDecider struct {
	client Completer
	schema *jsonschema.Schema
}

func NewLLMDecider(client Completer) (*LLMDecider, error) {
	if client == nil {
		return nil, errors.New("llm decider requires a client")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("decision.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return &LLMDecider{client: client, schema: schema}, nil
}

func (d *LLMDecider) Decide(ctx context.Context, in Context) (Decision, error) {
	system, user := SystemPrompt(in), UserPrompt(in)
	raw, err := d.client.Complete(ctx, system, user)
	logger.LogLLMExchange("decision", in.ProfileID, system, user, raw)
	if err != nil {
		return Decision{}, err
	}
	dec, err := d.Parse(raw, in.CycleAt)
	if err != nil {
		return Decision{}, err
	}
	dec.ProfileID = in.ProfileID
	return dec, nil
}

// Parse 从模型输出中提取第一个 JSON 对象并转换为 Decision。
func (d *LLMDecider) Parse(raw string, cycleAt time.Time) (Decision, error) {
	body, ok := jsonutil.ExtractObject(raw)
	if !ok {
		return Decision{}, errors.New("llm output contains no json object")
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return Decision{}, fmt.Errorf("llm output is not valid json: %w", err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return Decision{}, fmt.Errorf("llm output violates schema: %w", err)
	}

	g := gjson.Parse(body)
	action, err := ParseAction(g.Get("action").String())
	if err != nil {
		return Decision{}, err
	}
	dec := Decision{
		ID:          uuid.NewString(),
		CycleAt:     cycleAt,
		Action:      action,
		Confidence:  0.5,
		Reason:      strings.TrimSpace(g.Get("reason").String()),
		Observation: strings.TrimSpace(g.Get("observation").String()),
		CancelID:    strings.TrimSpace(g.Get("cancel_id").String()),
	}
	if c := g.Get("confidence"); c.Exists() {
		dec.Confidence = c.Float()
	}
	switch action {
	case ActionPlaceOrder:
		spec, err := orderFrom(g.Get("order"))
		if err != nil {
			return Decision{}, err
		}
		dec.Order = &spec
	case ActionCreatePending:
		req, err := pendingFrom(g.Get("pending"), cycleAt)
		if err != nil {
			return Decision{}, err
		}
		dec.Pending = &req
	}
	if err := dec.Validate(); err != nil {
		return Decision{}, err
	}
	return dec, nil
}

func orderFrom(r gjson.Result) (types.OrderSpec, error) {
	side, err := types.ParseSide(r.Get("side").String())
	if err != nil {
		return types.OrderSpec{}, err
	}
	spec := types.OrderSpec{
		Instrument: market.NormalizeSymbol(r.Get("instrument").String()),
		Side:       side,
		Type:       types.OrderMarket,
		Notional:   decimal.NewFromFloat(r.Get("notional").Float()).Round(2),
		Leverage:   int(r.Get("leverage").Int()),
		ReduceOnly: r.Get("reduce_only").Bool(),
	}
	if strings.EqualFold(r.Get("type").String(), string(types.OrderLimit)) {
		spec.Type = types.OrderLimit
		spec.LimitPrice = decimal.NewFromFloat(r.Get("limit_price").Float())
	}
	return spec, nil
}

func pendingFrom(r gjson.Result, cycleAt time.Time) (pending.CreateRequest, error) {
	order, err := orderFrom(r.Get("order"))
	if err != nil {
		return pending.CreateRequest{}, err
	}
	kind, err := pending.ParseKind(r.Get("kind").String())
	if err != nil {
		return pending.CreateRequest{}, err
	}
	p := r.Get("predicate")
	pred := pending.Predicate{
		Field:  pending.Field(p.Get("field").String()),
		Op:     pending.Op(p.Get("op").String()),
		Value:  p.Get("value").Float(),
		Value2: p.Get("value2").Float(),
	}
	if at := p.Get("at").String(); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return pending.CreateRequest{}, fmt.Errorf("predicate.at: %w", err)
		}
		pred.At = t
	}
	inst := r.Get("instrument").String()
	if inst == "" {
		inst = order.Instrument
	}
	req := pending.CreateRequest{
		Instrument: market.NormalizeSymbol(inst),
		Kind:       kind,
		Predicate:  pred,
		Order:      order,
	}
	if mins := r.Get("deadline_minutes").Float(); mins > 0 {
		req.Deadline = cycleAt.Add(time.Duration(mins * float64(time.Minute)))
	}
	return req, nil
}
