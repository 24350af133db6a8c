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
	"github.com/shopspring/decimal"
	"github.com/waldocoin/waldo/internal/xrpl"
	"github.com/waldocoin/waldo/model"
)

// Reasons an event is not treated as an incoming payment. They label the dropped events metric.
const (
	dropUnvalidated      = "unvalidated"
	dropNotPayment       = "not_payment"
	dropWrongDestination = "wrong_destination"
	dropOutgoing         = "outgoing"
	dropFailed           = "failed"
	dropIssuedAmount     = "issued_amount"
	dropMalformed        = "malformed"
	dropBelowMinimum     = "below_minimum"
)

// ParsePayment turns a stream event into an IncomingPayment when it is a validated,
// successful native payment to watched of at least minimum XRP.
func ParsePayment(evt xrpl.RawTxEvent, watched string, minimum decimal.Decimal) (model.IncomingPayment, bool) {
	payment, reason := classifyEvent(evt, watched, minimum)
	return payment, reason == ""
}

func classifyEvent(evt xrpl.RawTxEvent, watched string, minimum decimal.Decimal) (model.IncomingPayment, string) {
	if !evt.Validated {
		return model.IncomingPayment{}, dropUnvalidated
	}
	if evt.TransactionType != "Payment" {
		return model.IncomingPayment{}, dropNotPayment
	}
	if evt.Destination != watched {
		return model.IncomingPayment{}, dropWrongDestination
	}
	if evt.Account == watched {
		return model.IncomingPayment{}, dropOutgoing
	}
	if evt.TransactionResult != xrpl.ResultSuccess {
		return model.IncomingPayment{}, dropFailed
	}
	if evt.Hash == "" {
		return model.IncomingPayment{}, dropMalformed
	}

	// delivered_amount is what actually arrived; Amount overstates partial payments.
	field := evt.DeliveredAmount
	if field.String() == "unavailable" {
		return model.IncomingPayment{}, dropMalformed
	}
	if !field.Exists() {
		field = evt.Amount
	}
	amount, err := xrpl.ParseAmount(field)
	if err != nil {
		return model.IncomingPayment{}, dropMalformed
	}
	if !amount.Native {
		return model.IncomingPayment{}, dropIssuedAmount
	}
	if amount.Value.LessThan(minimum) {
		return model.IncomingPayment{}, dropBelowMinimum
	}

	return model.IncomingPayment{
		SourceTxID:     evt.Hash,
		Payer:          evt.Account,
		Destination:    evt.Destination,
		NativeAmount:   amount.Value,
		LedgerSequence: evt.LedgerIndex,
		ObservedAt:     evt.ReceivedAt,
	}, ""
}
