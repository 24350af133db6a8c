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

// AuditEntry is one append-only row describing a processing attempt.
type AuditEntry struct {
	ID           int64           `json:"id"`
	AuditID      string          `json:"audit_id"`
	SourceTxID   string          `json:"source_tx_id"`
	Payer        string          `json:"payer"`
	InputAmount  decimal.Decimal `json:"input_amount"`
	RewardAmount decimal.Decimal `json:"reward_amount"`
	AppliedRate  decimal.Decimal `json:"applied_rate"`
	Outcome      string          `json:"outcome"`
	EngineResult string          `json:"engine_result,omitempty"`
	RewardTxID   string          `json:"reward_tx_id,omitempty"`
	Attempt      int             `json:"attempt"`
	Message      string          `json:"message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StatusEvent is a short outcome summary pushed to the operator feed.
type StatusEvent struct {
	SourceTxID   string    `json:"source_tx_id"`
	Payer        string    `json:"payer"`
	Outcome      string    `json:"outcome"`
	RewardAmount string    `json:"reward_amount,omitempty"`
	RewardTxID   string    `json:"reward_tx_id,omitempty"`
	Message      string    `json:"message,omitempty"`
	Time         time.Time `json:"time"`
}

// SubscriberStatus is the operator-facing snapshot of the ledger feed.
type SubscriberStatus struct {
	State          string    `json:"state"`
	WatchedAccount string    `json:"watched_account"`
	LastEventAt    time.Time `json:"last_event_at,omitempty"`
	LastLedger     uint32    `json:"last_ledger,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
