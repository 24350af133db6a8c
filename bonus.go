/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package waldo

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/model"
)

// BonusTierTable maps an incoming amount to a bonus rate. Tiers are kept sorted by
// descending threshold so the first match is the largest qualifying one.
type BonusTierTable struct {
	tiers []config.BonusTier
	base  decimal.Decimal
}

func NewBonusTierTable(tiers []config.BonusTier, baseConversionRate decimal.Decimal) (*BonusTierTable, error) {
	if !baseConversionRate.IsPositive() {
		return nil, errors.New("base conversion rate must be greater than zero")
	}

	sorted := make([]config.BonusTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinAmount.GreaterThan(sorted[j].MinAmount)
	})

	for i, tier := range sorted {
		if tier.MinAmount.IsNegative() || tier.BonusRate.IsNegative() {
			return nil, fmt.Errorf("bonus tier %s:%s must not be negative", tier.MinAmount, tier.BonusRate)
		}
		if i > 0 && sorted[i-1].MinAmount.Equal(tier.MinAmount) {
			return nil, fmt.Errorf("duplicate bonus tier threshold %s", tier.MinAmount)
		}
	}

	return &BonusTierTable{tiers: sorted, base: baseConversionRate}, nil
}

// Tiers returns a copy of the table in lookup order.
func (b *BonusTierTable) Tiers() []config.BonusTier {
	out := make([]config.BonusTier, len(b.tiers))
	copy(out, b.tiers)
	return out
}

func (b *BonusTierTable) BaseConversionRate() decimal.Decimal {
	return b.base
}

func (b *BonusTierTable) tierFor(amount decimal.Decimal) (config.BonusTier, bool) {
	for _, tier := range b.tiers {
		if amount.GreaterThanOrEqual(tier.MinAmount) {
			return tier, true
		}
	}
	return config.BonusTier{}, false
}

// Compute returns floor(amount * base * (1 + rate)) and the rate that was applied.
func (b *BonusTierTable) Compute(nativeAmount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	rate := decimal.Zero
	if tier, ok := b.tierFor(nativeAmount); ok {
		rate = tier.BonusRate
	}
	reward := nativeAmount.Mul(b.base).Mul(decimal.NewFromInt(1).Add(rate)).Floor()
	return reward, rate
}

// Quote breaks a reward down for display.
func (b *BonusTierTable) Quote(nativeAmount decimal.Decimal) model.Quote {
	total, rate := b.Compute(nativeAmount)
	base := nativeAmount.Mul(b.base).Floor()

	label := "none"
	if tier, ok := b.tierFor(nativeAmount); ok {
		label = fmt.Sprintf("%s+ XRP (%s%% bonus)", tier.MinAmount, tier.BonusRate.Mul(decimal.NewFromInt(100)))
	}

	return model.Quote{
		Amount:      nativeAmount,
		BaseReward:  base,
		BonusReward: total.Sub(base),
		TotalReward: total,
		AppliedRate: rate,
		Tier:        label,
	}
}
