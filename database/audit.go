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

	"github.com/waldocoin/waldo/internal/apierror"
	"github.com/waldocoin/waldo/model"
	"go.opentelemetry.io/otel"
)

const auditColumns = `id, audit_id, source_tx_id, payer, input_amount, reward_amount, applied_rate, outcome,
	engine_result, reward_tx_id, attempt, message, created_at`

func (d Datasource) RecordAudit(ctx context.Context, entry *model.AuditEntry) error {
	ctx, span := otel.Tracer("waldo.audit").Start(ctx, "Appending audit entry")
	defer span.End()

	if entry.AuditID == "" {
		entry.AuditID = model.GenerateUUIDWithSuffix("audit")
	}

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO waldo.audit_log (audit_id, source_tx_id, payer, input_amount, reward_amount, applied_rate,
			outcome, engine_result, reward_tx_id, attempt, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, NULLIF($11, ''), NOW())
		RETURNING id, created_at
	`, entry.AuditID, entry.SourceTxID, entry.Payer, entry.InputAmount, entry.RewardAmount, entry.AppliedRate,
		entry.Outcome, entry.EngineResult, entry.RewardTxID, entry.Attempt, entry.Message,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record audit entry", err)
	}
	return nil
}

func (d Datasource) ListAudit(ctx context.Context, limit, offset int) ([]model.AuditEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM waldo.audit_log
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve audit log", err)
	}
	return collectAudit(rows)
}

func (d Datasource) ListAuditBySource(ctx context.Context, sourceTxID string) ([]model.AuditEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM waldo.audit_log
		WHERE source_tx_id = $1
		ORDER BY id ASC
	`, sourceTxID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve audit log", err)
	}
	return collectAudit(rows)
}

func collectAudit(rows *sql.Rows) ([]model.AuditEntry, error) {
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var entry model.AuditEntry
		var engineResult, rewardTxID, message sql.NullString
		err := rows.Scan(&entry.ID, &entry.AuditID, &entry.SourceTxID, &entry.Payer, &entry.InputAmount,
			&entry.RewardAmount, &entry.AppliedRate, &entry.Outcome, &engineResult, &rewardTxID, &entry.Attempt,
			&message, &entry.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan audit entry", err)
		}
		entry.EngineResult = engineResult.String
		entry.RewardTxID = rewardTxID.String
		entry.Message = message.String
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over audit log", err)
	}
	return entries, nil
}
