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
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// RawTxEvent is a transaction notification as it came off the account stream.
type RawTxEvent struct {
	Hash              string
	Validated         bool
	LedgerIndex       uint32
	TransactionType   string
	Account           string
	Destination       string
	TransactionResult string
	Amount            gjson.Result
	DeliveredAmount   gjson.Result
	ReceivedAt        time.Time
	Raw               []byte
}

// ParseTxEvent decodes a stream message of type "transaction". Newer servers nest the
// transaction under tx_json and put the hash at the top level; older ones use transaction.
func ParseTxEvent(raw []byte) (RawTxEvent, error) {
	if !gjson.ValidBytes(raw) {
		return RawTxEvent{}, fmt.Errorf("invalid json message")
	}
	msg := gjson.ParseBytes(raw)
	if msg.Get("type").String() != "transaction" {
		return RawTxEvent{}, fmt.Errorf("unexpected message type %q", msg.Get("type").String())
	}
	return txEventFrom(msg, raw)
}

// txEventFrom reads the transaction fields shared by stream messages and account_tx entries.
// account_tx on API version 1 nests the body under tx.
func txEventFrom(msg gjson.Result, raw []byte) (RawTxEvent, error) {
	tx := msg.Get("tx_json")
	if !tx.Exists() {
		tx = msg.Get("transaction")
	}
	if !tx.Exists() {
		tx = msg.Get("tx")
	}
	if !tx.Exists() {
		return RawTxEvent{}, fmt.Errorf("transaction message without transaction body")
	}

	hash := msg.Get("hash").String()
	if hash == "" {
		hash = tx.Get("hash").String()
	}

	ledgerIndex := msg.Get("ledger_index").Uint()
	if ledgerIndex == 0 {
		ledgerIndex = tx.Get("ledger_index").Uint()
	}

	amount := tx.Get("Amount")
	if !amount.Exists() {
		amount = tx.Get("DeliverMax")
	}

	return RawTxEvent{
		Hash:              hash,
		Validated:         msg.Get("validated").Bool(),
		LedgerIndex:       uint32(ledgerIndex),
		TransactionType:   tx.Get("TransactionType").String(),
		Account:           tx.Get("Account").String(),
		Destination:       tx.Get("Destination").String(),
		TransactionResult: msg.Get("meta.TransactionResult").String(),
		Amount:            amount,
		DeliveredAmount:   msg.Get("meta.delivered_amount"),
		ReceivedAt:        time.Now().UTC(),
		Raw:               raw,
	}, nil
}

// TrustLine is one entry of an account_lines response.
type TrustLine struct {
	Account        string
	Currency       string
	Balance        decimal.Decimal
	Limit          decimal.Decimal
	Freeze         bool
	FreezePeer     bool
	NoRipple       bool
	Authorized     bool
	PeerAuthorized bool
}

type AccountInfo struct {
	Account  string
	Balance  decimal.Decimal
	Sequence uint32
}

type FeeInfo struct {
	BaseFee       int64
	MedianFee     int64
	OpenLedgerFee int64
	LedgerCurrent uint32
}

type SubmitResult struct {
	EngineResult        string
	EngineResultMessage string
	Accepted            bool
	Hash                string
}

// TxResult is the ledger's view of a transaction looked up by hash.
type TxResult struct {
	Hash               string
	Validated          bool
	LedgerIndex        uint32
	TransactionResult  string
	LastLedgerSequence uint32
}

func parseTrustLine(line gjson.Result) TrustLine {
	balance, _ := decimal.NewFromString(line.Get("balance").String())
	limit, _ := decimal.NewFromString(line.Get("limit").String())
	return TrustLine{
		Account:        line.Get("account").String(),
		Currency:       line.Get("currency").String(),
		Balance:        balance,
		Limit:          limit,
		Freeze:         line.Get("freeze").Bool(),
		FreezePeer:     line.Get("freeze_peer").Bool(),
		NoRipple:       line.Get("no_ripple").Bool(),
		Authorized:     line.Get("authorized").Bool(),
		PeerAuthorized: line.Get("peer_authorized").Bool(),
	}
}

// Headroom is how much more of the token the holder can receive on this line.
func (l TrustLine) Headroom() decimal.Decimal {
	return l.Limit.Sub(l.Balance)
}
