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

package xrpl

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		native   bool
		value    string
		currency string
		wantErr  bool
	}{
		{name: "native drops", json: `{"a":"300000000"}`, native: true, value: "300"},
		{name: "fractional drops", json: `{"a":"1"}`, native: true, value: "0.000001"},
		{name: "issued", json: `{"a":{"currency":"USD","issuer":"rIssuer","value":"12.5"}}`, value: "12.5", currency: "USD"},
		{name: "missing", json: `{}`, wantErr: true},
		{name: "garbage drops", json: `{"a":"abc"}`, wantErr: true},
		{name: "number", json: `{"a":12}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, err := ParseAmount(gjson.Get(tt.json, "a"))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.native, amount.Native)
			assert.True(t, amount.Value.Equal(decimal.RequireFromString(tt.value)), amount.Value.String())
			assert.Equal(t, tt.currency, amount.Currency)
		})
	}
}

func TestDropsConversion(t *testing.T) {
	assert.True(t, XRPToDrops(decimal.RequireFromString("1.5")).Equal(decimal.NewFromInt(1500000)))
	assert.True(t, XRPToDrops(decimal.RequireFromString("0.0000019")).Equal(decimal.NewFromInt(1)))
	assert.True(t, DropsToXRP(decimal.NewFromInt(250)).Equal(decimal.RequireFromString("0.00025")))
}

func TestCurrencyCode(t *testing.T) {
	assert.Equal(t, "XRP", CurrencyCode("XRP"))
	assert.Equal(t, "WLO", CurrencyCode("WLO"))

	hex := CurrencyCode("WALDO")
	assert.Len(t, hex, 40)
	assert.Equal(t, "57414C444F000000000000000000000000000000", hex)
	assert.Equal(t, hex, CurrencyCode(hex))

	assert.True(t, SameCurrency("WALDO", "57414c444f000000000000000000000000000000"))
	assert.False(t, SameCurrency("WLO", "USD"))

	// three character codes are distinct currencies per case
	assert.Equal(t, "wlo", CurrencyCode("wlo"))
	assert.False(t, SameCurrency("wlo", "WLO"))
	assert.Equal(t, "wlo", IssuedAmount("wlo", "rIssuer", decimal.NewFromInt(1))["currency"])
}

func TestIssuedAmount(t *testing.T) {
	amount := IssuedAmount("WLO", "rIssuer", decimal.NewFromInt(330000))
	assert.Equal(t, "WLO", amount["currency"])
	assert.Equal(t, "rIssuer", amount["issuer"])
	assert.Equal(t, "330000", amount["value"])
}
