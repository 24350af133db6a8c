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
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waldocoin/waldo/config"
)

func defaultTable(t *testing.T) *BonusTierTable {
	t.Helper()
	table, err := NewBonusTierTable(config.DefaultBonusTiers(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	return table
}

func TestBonusTierTable_Compute(t *testing.T) {
	table := defaultTable(t)

	tests := []struct {
		name   string
		amount string
		reward int64
		rate   string
	}{
		{"below first tier", "99", 99000, "0"},
		{"exactly on a tier", "100", 105000, "0.05"},
		{"presale example", "300", 330000, "0.10"},
		{"largest tier", "2500", 3125000, "0.25"},
		{"fractional amount is floored", "12.3456789", 12345, "0"},
		{"fraction on a tier", "250.0009", 275000, "0.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reward, rate := table.Compute(decimal.RequireFromString(tt.amount))
			assert.True(t, reward.Equal(decimal.NewFromInt(tt.reward)), "got %s", reward)
			assert.True(t, rate.Equal(decimal.RequireFromString(tt.rate)), "got rate %s", rate)
		})
	}
}

func TestBonusTierTable_SortsTiers(t *testing.T) {
	tiers := []config.BonusTier{
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("0.05")},
		{MinAmount: decimal.NewFromInt(1000), BonusRate: decimal.RequireFromString("0.20")},
	}
	table, err := NewBonusTierTable(tiers, decimal.NewFromInt(1000))
	require.NoError(t, err)

	sorted := table.Tiers()
	assert.True(t, sorted[0].MinAmount.Equal(decimal.NewFromInt(1000)))

	reward, _ := table.Compute(decimal.NewFromInt(1500))
	assert.True(t, reward.Equal(decimal.NewFromInt(1800000)), "largest qualifying tier wins")
}

func TestBonusTierTable_Invalid(t *testing.T) {
	_, err := NewBonusTierTable(nil, decimal.Zero)
	assert.Error(t, err)

	_, err = NewBonusTierTable([]config.BonusTier{
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("0.05")},
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("0.10")},
	}, decimal.NewFromInt(1000))
	assert.Error(t, err)

	_, err = NewBonusTierTable([]config.BonusTier{
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("-0.05")},
	}, decimal.NewFromInt(1000))
	assert.Error(t, err)
}

func TestBonusTierTable_Quote(t *testing.T) {
	table := defaultTable(t)

	quote := table.Quote(decimal.NewFromInt(300))
	assert.True(t, quote.BaseReward.Equal(decimal.NewFromInt(300000)))
	assert.True(t, quote.BonusReward.Equal(decimal.NewFromInt(30000)))
	assert.True(t, quote.TotalReward.Equal(decimal.NewFromInt(330000)))
	assert.Equal(t, "250+ XRP (10% bonus)", quote.Tier)

	quote = table.Quote(decimal.NewFromInt(50))
	assert.Equal(t, "none", quote.Tier)
	assert.True(t, quote.BonusReward.IsZero())
}
