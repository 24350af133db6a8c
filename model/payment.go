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

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// IncomingPayment is a validated native payment to the watched account.
type IncomingPayment struct {
	SourceTxID     string          `json:"source_tx_id"`
	Payer          string          `json:"payer"`
	Destination    string          `json:"destination"`
	NativeAmount   decimal.Decimal `json:"native_amount"`
	LedgerSequence uint32          `json:"ledger_sequence"`
	ObservedAt     time.Time       `json:"observed_at"`
}

// RewardPayment is one issuance attempt of the reward token.
type RewardPayment struct {
	Destination string          `json:"destination"`
	TokenCode   string          `json:"token_code"`
	TokenIssuer string          `json:"token_issuer"`
	Value       decimal.Decimal `json:"value"`
	SourceTxID  string          `json:"source_tx_id"`

	// ClaimAttempts is the claim token the reward is journaled under.
	ClaimAttempts int `json:"-"`
}

// Outcome is what the issuer reports back for a submitted reward.
type Outcome struct {
	Status             string `json:"status"`
	RewardTxID         string `json:"reward_tx_id,omitempty"`
	EngineResult       string `json:"engine_result,omitempty"`
	LastLedgerSequence uint32 `json:"last_ledger_sequence,omitempty"`
	Message            string `json:"message,omitempty"`
}

const (
	ResolutionIssued  = "ISSUED"
	ResolutionFailed  = "FAILED"
	ResolutionExpired = "EXPIRED"
	ResolutionPending = "PENDING"
)

// Resolution is the ledger's verdict on a previously journaled reward.
type Resolution struct {
	State        string `json:"state"`
	EngineResult string `json:"engine_result,omitempty"`
}

// Quote breaks a reward down for display.
type Quote struct {
	Amount      decimal.Decimal `json:"amount"`
	BaseReward  decimal.Decimal `json:"base_reward"`
	BonusReward decimal.Decimal `json:"bonus_reward"`
	TotalReward decimal.Decimal `json:"total_reward"`
	AppliedRate decimal.Decimal `json:"applied_rate"`
	Tier        string          `json:"tier"`
}
