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
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusClaimed         = "CLAIMED"
	StatusIneligible      = "INELIGIBLE"
	StatusIssued          = "ISSUED"
	StatusFailedTerminal  = "FAILED_TERMINAL"
	StatusFailedTransient = "FAILED_TRANSIENT"
)

// ProcessedRecord is the durable dedup entry for one source transaction.
// It is created by the claim step and only ever moves forward.
type ProcessedRecord struct {
	SourceTxID         string              `json:"source_tx_id"`
	Payer              string              `json:"payer"`
	NativeAmount       decimal.Decimal     `json:"native_amount"`
	LedgerSequence     uint32              `json:"ledger_sequence"`
	Status             string              `json:"status"`
	RewardAmount       decimal.NullDecimal `json:"reward_amount"`
	RewardTxID         string              `json:"reward_tx_id,omitempty"`
	LastLedgerSequence uint32              `json:"last_ledger_sequence,omitempty"`
	EngineResult       string              `json:"engine_result,omitempty"`
	Attempts           int                 `json:"attempts"`
	ManualReview       bool                `json:"manual_review"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// FinalizeParams describe an outcome. ExpectedAttempts is the attempt count the caller saw
// when it claimed the record; a finalize from a stale claim matches nothing.
type FinalizeParams struct {
	Status             string
	ExpectedAttempts   int
	RewardAmount       decimal.NullDecimal
	RewardTxID         string
	LastLedgerSequence uint32
	EngineResult       string
	ManualReview       bool
}

// IsFinal reports whether the record has reached a status that is never revisited.
func (r *ProcessedRecord) IsFinal() bool {
	switch r.Status {
	case StatusIneligible, StatusIssued, StatusFailedTerminal:
		return true
	}
	return false
}

// HasJournaledReward reports whether a signed reward was recorded before submission.
func (r *ProcessedRecord) HasJournaledReward() bool {
	return r.RewardTxID != "" && r.LastLedgerSequence > 0
}

func (r *ProcessedRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ValidTransition reports whether a record may move from one status to another.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusClaimed:
		return to == StatusIneligible || to == StatusIssued || to == StatusFailedTerminal || to == StatusFailedTransient
	case StatusFailedTransient:
		return to == StatusClaimed
	}
	return false
}
