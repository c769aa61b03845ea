package profile

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const DefaultBaseFraction = 0.5

var defaultTierFractions = map[RiskTier]float64{
	TierUltraConservative: 0.10,
	TierConservative:      0.25,
	TierModerate:          0.50,
	TierAggressive:        0.75,
	TierDegen:             1.00,
}

// SizingPolicy 把可用保证金换算成单笔最大名义价值：free × base × tierFraction。
type SizingPolicy struct {
	base      decimal.Decimal
	fractions map[RiskTier]decimal.Decimal
}

func DefaultSizingPolicy() SizingPolicy {
	p, _ := NewSizingPolicy(DefaultBaseFraction, nil)
	return p
}

// NewSizingPolicy 允许部署时覆盖部分档位。
func NewSizingPolicy(base float64, overrides map[string]float64) (SizingPolicy, error) {
	if base <= 0 || base > 1 {
		return SizingPolicy{}, fmt.Errorf("base fraction must be in (0,1], got %v", base)
	}
	fr := make(map[RiskTier]decimal.Decimal, len(defaultTierFractions))
	for tier, f := range defaultTierFractions {
		fr[tier] = decimal.NewFromFloat(f)
	}
	for key, f := range overrides {
		tier, err := ParseRiskTier(key)
		if err != nil {
			return SizingPolicy{}, err
		}
		if f < 0 || f > 1 {
			return SizingPolicy{}, fmt.Errorf("risk fraction for %s must be in [0,1], got %v", tier, f)
		}
		fr[tier] = decimal.NewFromFloat(f)
	}
	return SizingPolicy{base: decimal.NewFromFloat(base), fractions: fr}, nil
}

func (p SizingPolicy) Fraction(tier RiskTier) decimal.Decimal {
	if f, ok := p.fractions[tier]; ok {
		return f
	}
	return decimal.Zero
}

// MaxNotional 返回该档位允许的最大下单名义价值，负值按 0 处理。
func (p SizingPolicy) MaxNotional(tier RiskTier, freeCollateral decimal.Decimal) decimal.Decimal {
	if !freeCollateral.IsPositive() {
		return decimal.Zero
	}
	return freeCollateral.Mul(p.base).Mul(p.Fraction(tier)).Round(2)
}

// Configured 判断是否为零值策略。
func (p SizingPolicy) Configured() bool {
	return len(p.fractions) > 0
}
