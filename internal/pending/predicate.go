package pending

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"arena/internal/market"
)

// Field 触发条件观察的量。
type Field string

const (
	FieldPrice     Field = "price"
	FieldChange24h Field = "change_24h"
	FieldTime      Field = "time"
)

// Op 比较运算符。
type Op string

const (
	OpLTE     Op = "<="
	OpGTE     Op = ">="
	OpLT      Op = "<"
	OpGT      Op = ">"
	OpEQ      Op = "=="
	OpNE      Op = "!="
	OpBetween Op = "between"
)

var ErrInvalidPredicate = errors.New("invalid predicate")

// Predicate 是纯函数式的触发条件。
//
// price/change_24h 使用 Op 与 Value（between 额外使用 Value2，闭区间）；
// time 条件在 now >= At 时成立，Op 被忽略。
type Predicate struct {
	Field  Field     `json:"field"`
	Op     Op        `json:"op,omitempty"`
	Value  float64   `json:"value,omitempty"`
	Value2 float64   `json:"value2,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

// PriceAtOrBelow / PriceAtOrAbove / AtTime are shorthands used by tests and the API.
func PriceAtOrBelow(v float64) Predicate { return Predicate{Field: FieldPrice, Op: OpLTE, Value: v} }
func PriceAtOrAbove(v float64) Predicate { return Predicate{Field: FieldPrice, Op: OpGTE, Value: v} }
func AtTime(t time.Time) Predicate       { return Predicate{Field: FieldTime, At: t} }

func (p Predicate) normalized() Predicate {
	p.Field = Field(strings.ToLower(strings.TrimSpace(string(p.Field))))
	p.Op = Op(strings.ToLower(strings.TrimSpace(string(p.Op))))
	switch p.Op {
	case "=":
		p.Op = OpEQ
	case "<>":
		p.Op = OpNE
	}
	return p
}

func (p Predicate) Validate() error {
	switch p.Field {
	case FieldTime:
		if p.At.IsZero() {
			return fmt.Errorf("%w: time predicate requires at", ErrInvalidPredicate)
		}
		return nil
	case FieldPrice, FieldChange24h:
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidPredicate, p.Field)
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return fmt.Errorf("%w: value must be finite", ErrInvalidPredicate)
	}
	if p.Field == FieldPrice && p.Value <= 0 {
		return fmt.Errorf("%w: price threshold must be positive", ErrInvalidPredicate)
	}
	switch p.Op {
	case OpLTE, OpGTE, OpLT, OpGT, OpEQ, OpNE:
	case OpBetween:
		if p.Value2 < p.Value {
			return fmt.Errorf("%w: between requires value <= value2", ErrInvalidPredicate)
		}
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, p.Op)
	}
	return nil
}

// Eval 判断条件在给定报价与时间下是否成立。无报价或字段缺失时不成立。
func (p Predicate) Eval(q market.Quote, haveQuote bool, now time.Time) bool {
	if p.Field == FieldTime {
		return !now.Before(p.At)
	}
	if !haveQuote {
		return false
	}
	var v float64
	switch p.Field {
	case FieldPrice:
		v = q.Price
	case FieldChange24h:
		if q.Change24h == nil {
			return false
		}
		v = *q.Change24h
	default:
		return false
	}
	switch p.Op {
	case OpLTE:
		return v <= p.Value
	case OpGTE:
		return v >= p.Value
	case OpLT:
		return v < p.Value
	case OpGT:
		return v > p.Value
	case OpEQ:
		return v == p.Value
	case OpNE:
		return v != p.Value
	case OpBetween:
		return v >= p.Value && v <= p.Value2
	}
	return false
}

func (p Predicate) String() string {
	switch p.Field {
	case FieldTime:
		return "time >= " + p.At.UTC().Format(time.RFC3339)
	}
	if p.Op == OpBetween {
		return fmt.Sprintf("%s between %g and %g", p.Field, p.Value, p.Value2)
	}
	return fmt.Sprintf("%s %s %g", p.Field, p.Op, p.Value)
}
