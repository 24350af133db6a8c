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

package database

import (
	"context"
	"errors"
	"time"

	"github.com/waldocoin/waldo/model"
)

var (
	// ErrRecordNotFound is returned when no processed record exists for a source transaction.
	ErrRecordNotFound = errors.New("processed record not found")

	// ErrClaimLost is returned when a write expected a CLAIMED record and found something else.
	ErrClaimLost = errors.New("processed record is no longer claimed")
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	records // Interface for the idempotency store
	audit   // Interface for the append-only audit log
	health
}

// records defines the durable claim and outcome operations keyed by source transaction id.
type records interface {
	TryClaim(ctx context.Context, payment *model.IncomingPayment) (*model.ProcessedRecord, bool, error)                        // Atomically creates a CLAIMED record, or returns the existing one
	Reclaim(ctx context.Context, sourceTxID string, expectedAttempts int) (*model.ProcessedRecord, bool, error)                // Moves FAILED_TRANSIENT back to CLAIMED if nobody else did
	RecordSubmission(ctx context.Context, sourceTxID string, attempts int, rewardTxID string, lastLedgerSequence uint32) error // Journals a signed reward hash before it is submitted
	Finalize(ctx context.Context, sourceTxID string, params model.FinalizeParams) (*model.ProcessedRecord, error)              // Moves a CLAIMED record to its outcome and bumps attempts
	GetRecord(ctx context.Context, sourceTxID string) (*model.ProcessedRecord, error)                                          // Retrieves a record by source transaction id
	ListRecords(ctx context.Context, status string, limit, offset int) ([]model.ProcessedRecord, error)                        // Lists records, optionally filtered by status
	GetStaleRecords(ctx context.Context, status string, olderThan time.Duration, limit int) ([]model.ProcessedRecord, error)   // Records in a status not updated within olderThan
}

// audit defines the append-only audit log operations.
type audit interface {
	RecordAudit(ctx context.Context, entry *model.AuditEntry) error                       // Appends an audit entry, filling id and created_at
	ListAudit(ctx context.Context, limit, offset int) ([]model.AuditEntry, error)         // Lists entries newest first
	ListAuditBySource(ctx context.Context, sourceTxID string) ([]model.AuditEntry, error) // Lists entries for one source transaction in order
}

type health interface {
	Ping(ctx context.Context) error
}
