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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/waldocoin/waldo/internal/apierror"
	"github.com/waldocoin/waldo/model"
	"go.opentelemetry.io/otel"
)

const recordColumns = `source_tx_id, payer, native_amount, ledger_sequence, status, reward_amount,
	reward_tx_id, last_ledger_sequence, engine_result, attempts, manual_review, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.ProcessedRecord, error) {
	rec := &model.ProcessedRecord{}
	var rewardTxID, engineResult sql.NullString
	err := row.Scan(
		&rec.SourceTxID, &rec.Payer, &rec.NativeAmount, &rec.LedgerSequence, &rec.Status, &rec.RewardAmount,
		&rewardTxID, &rec.LastLedgerSequence, &engineResult, &rec.Attempts, &rec.ManualReview, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.RewardTxID = rewardTxID.String
	rec.EngineResult = engineResult.String
	return rec, nil
}

// TryClaim inserts a CLAIMED record for the payment. If a record already exists it is
// returned with claimed=false and nothing is written.
func (d Datasource) TryClaim(ctx context.Context, payment *model.IncomingPayment) (*model.ProcessedRecord, bool, error) {
	ctx, span := otel.Tracer("waldo.records").Start(ctx, "Claiming source transaction")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO waldo.processed_records (source_tx_id, payer, native_amount, ledger_sequence, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW())
		ON CONFLICT (source_tx_id) DO NOTHING
		RETURNING `+recordColumns,
		payment.SourceTxID, payment.Payer, payment.NativeAmount, payment.LedgerSequence, model.StatusClaimed,
	)

	rec, err := scanRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		span.RecordError(err)
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim source transaction", err)
	}

	existing, err := d.GetRecord(ctx, payment.SourceTxID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Reclaim moves a FAILED_TRANSIENT record back to CLAIMED. The attempt count guards against
// two retriers racing for the same record; only one of them sees claimed=true.
func (d Datasource) Reclaim(ctx context.Context, sourceTxID string, expectedAttempts int) (*model.ProcessedRecord, bool, error) {
	ctx, span := otel.Tracer("waldo.records").Start(ctx, "Reclaiming source transaction")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE waldo.processed_records
		SET status = $1, updated_at = NOW()
		WHERE source_tx_id = $2 AND status = $3 AND attempts = $4
		RETURNING `+recordColumns,
		model.StatusClaimed, sourceTxID, model.StatusFailedTransient, expectedAttempts,
	)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reclaim source transaction", err)
	}
	return rec, true, nil
}

// RecordSubmission journals the hash of a signed reward before the blob leaves the process.
// It only succeeds for the current claimer, identified by the attempt count it claimed at.
func (d Datasource) RecordSubmission(ctx context.Context, sourceTxID string, attempts int, rewardTxID string, lastLedgerSequence uint32) error {
	ctx, span := otel.Tracer("waldo.records").Start(ctx, "Journaling reward submission")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE waldo.processed_records
		SET reward_tx_id = $1, last_ledger_sequence = $2, updated_at = NOW()
		WHERE source_tx_id = $3 AND status = $4 AND attempts = $5
	`, rewardTxID, lastLedgerSequence, sourceTxID, model.StatusClaimed, attempts)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to journal reward submission", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to journal reward submission", err)
	}
	if rows == 0 {
		return ErrClaimLost
	}
	return nil
}

// Finalize records the outcome of an attempt. It only applies to a CLAIMED record whose
// attempt count still matches the caller's claim, and always increments attempts.
func (d Datasource) Finalize(ctx context.Context, sourceTxID string, params model.FinalizeParams) (*model.ProcessedRecord, error) {
	ctx, span := otel.Tracer("waldo.records").Start(ctx, "Finalizing source transaction")
	defer span.End()

	if !model.ValidTransition(model.StatusClaimed, params.Status) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("invalid outcome status %q", params.Status), nil)
	}

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE waldo.processed_records
		SET status = $1,
			reward_amount = COALESCE($2, reward_amount),
			reward_tx_id = COALESCE(NULLIF($3, ''), reward_tx_id),
			last_ledger_sequence = GREATEST(last_ledger_sequence, $4),
			engine_result = NULLIF($5, ''),
			manual_review = $6,
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE source_tx_id = $7 AND status = $8 AND attempts = $9
		RETURNING `+recordColumns,
		params.Status, params.RewardAmount, params.RewardTxID, params.LastLedgerSequence, params.EngineResult,
		params.ManualReview, sourceTxID, model.StatusClaimed, params.ExpectedAttempts,
	)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClaimLost
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to finalize source transaction", err)
	}
	return rec, nil
}

func (d Datasource) GetRecord(ctx context.Context, sourceTxID string) (*model.ProcessedRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM waldo.processed_records
		WHERE source_tx_id = $1
	`, sourceTxID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Record for '%s' not found", sourceTxID), ErrRecordNotFound)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve record", err)
	}
	return rec, nil
}

// ListRecords returns records newest first. An empty status lists every record.
func (d Datasource) ListRecords(ctx context.Context, status string, limit, offset int) ([]model.ProcessedRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM waldo.processed_records
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve records", err)
	}
	return collectRecords(rows)
}

// GetStaleRecords returns records in status that have not been touched for olderThan.
func (d Datasource) GetStaleRecords(ctx context.Context, status string, olderThan time.Duration, limit int) ([]model.ProcessedRecord, error) {
	ctx, span := otel.Tracer("waldo.records").Start(ctx, "Fetching stale records")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM waldo.processed_records
		WHERE status = $1 AND updated_at < NOW() - make_interval(secs => $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`, status, olderThan.Seconds(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stale records", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]model.ProcessedRecord, error) {
	defer rows.Close()

	records := []model.ProcessedRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan record", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over records", err)
	}
	return records, nil
}
