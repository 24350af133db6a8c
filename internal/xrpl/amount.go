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
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// DropsPerXRP is the number of drops in one XRP.
const DropsPerXRP = 1_000_000

var dropsPerXRP = decimal.NewFromInt(DropsPerXRP)

// Amount is a ledger amount. Native amounts are strings of drops on the wire, issued amounts are
// objects carrying a currency, an issuer and a decimal value.
type Amount struct {
	Native   bool
	Value    decimal.Decimal
	Currency string
	Issuer   string
}

// DropsToXRP converts a drop count to XRP.
func DropsToXRP(drops decimal.Decimal) decimal.Decimal {
	return drops.Div(dropsPerXRP)
}

// XRPToDrops converts XRP to a whole number of drops, truncating anything below one drop.
func XRPToDrops(xrp decimal.Decimal) decimal.Decimal {
	return xrp.Mul(dropsPerXRP).Truncate(0)
}

// ParseAmount reads an amount field. Native values are returned in XRP.
func ParseAmount(field gjson.Result) (Amount, error) {
	switch {
	case !field.Exists():
		return Amount{}, fmt.Errorf("amount missing")
	case field.Type == gjson.String:
		drops, err := decimal.NewFromString(field.String())
		if err != nil {
			return Amount{}, fmt.Errorf("invalid drops %q: %w", field.String(), err)
		}
		return Amount{Native: true, Value: DropsToXRP(drops)}, nil
	case field.IsObject():
		value, err := decimal.NewFromString(field.Get("value").String())
		if err != nil {
			return Amount{}, fmt.Errorf("invalid issued amount: %w", err)
		}
		return Amount{
			Value:    value,
			Currency: field.Get("currency").String(),
			Issuer:   field.Get("issuer").String(),
		}, nil
	}
	return Amount{}, fmt.Errorf("unsupported amount %s", field.Raw)
}

// CurrencyCode returns the wire form of a currency code. Three character codes are case
// sensitive on the ledger and are used as is. Hex codes are upper cased, and longer codes are
// hex encoded and right padded to 160 bits.
func CurrencyCode(code string) string {
	if len(code) == 3 {
		return code
	}
	if isHexCurrency(code) {
		return strings.ToUpper(code)
	}
	encoded := strings.ToUpper(hex.EncodeToString([]byte(code)))
	if len(encoded) < 40 {
		encoded += strings.Repeat("0", 40-len(encoded))
	}
	return encoded
}

// SameCurrency reports whether two codes name the same currency, whichever form they are in.
func SameCurrency(a, b string) bool {
	return CurrencyCode(a) == CurrencyCode(b)
}

func isHexCurrency(code string) bool {
	if len(code) != 40 {
		return false
	}
	_, err := hex.DecodeString(code)
	return err == nil
}

// IssuedAmount builds the JSON form of a token amount.
func IssuedAmount(currency, issuer string, value decimal.Decimal) map[string]interface{} {
	return map[string]interface{}{
		"currency": CurrencyCode(currency),
		"issuer":   issuer,
		"value":    value.String(),
	}
}

func hexString(s string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(s)))
}
