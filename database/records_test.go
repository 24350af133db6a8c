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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waldocoin/waldo/model"
)

var recordColumnNames = []string{
	"source_tx_id", "payer", "native_amount", "ledger_sequence", "status", "reward_amount",
	"reward_tx_id", "last_ledger_sequence", "engine_result", "attempts", "manual_review", "created_at", "updated_at",
}

func testPayment() *model.IncomingPayment {
	return &model.IncomingPayment{
		SourceTxID:     "E3FE6EA3D48F0C2B639448020EA4F03D4F4F8FFDB243A852A0F59177921B4879",
		Payer:          "rPEPPER7kfTD9w2To4CQk6UCfuHM9c6GDY",
		Destination:    "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe",
		NativeAmount:   decimal.NewFromInt(300),
		LedgerSequence: 88123456,
		ObservedAt:     time.Now(),
	}
}

func recordRow(p *model.IncomingPayment, status string, rewardTxID interface{}, attempts int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(recordColumnNames).
		AddRow(p.SourceTxID, p.Payer, "300", int64(p.LedgerSequence), status, nil, rewardTxID, int64(0), nil, attempts, false, now, now)
}

func TestTryClaim_Claimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	payment := testPayment()

	mock.ExpectQuery("INSERT INTO waldo.processed_records").
		WithArgs(payment.SourceTxID, payment.Payer, sqlmock.AnyArg(), sqlmock.AnyArg(), model.StatusClaimed).
		WillReturnRows(recordRow(payment, model.StatusClaimed, nil, 0))

	rec, claimed, err := ds.TryClaim(context.Background(), payment)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, model.StatusClaimed, rec.Status)
	assert.True(t, rec.NativeAmount.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, payment.LedgerSequence, rec.LedgerSequence)
	assert.False(t, rec.RewardAmount.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryClaim_AlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	payment := testPayment()

	mock.ExpectQuery("INSERT INTO waldo.processed_records").
		WillReturnRows(sqlmock.NewRows(recordColumnNames))
	mock.ExpectQuery("SELECT (.+) FROM waldo.processed_records").
		WithArgs(payment.SourceTxID).
		WillReturnRows(recordRow(payment, model.StatusIssued, "REWARDHASH", 1))

	rec, claimed, err := ds.TryClaim(context.Background(), payment)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, model.StatusIssued, rec.Status)
	assert.Equal(t, "REWARDHASH", rec.RewardTxID)
	assert.Equal(t, 1, rec.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryClaim_StorageErrorFailsClosed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO waldo.processed_records").
		WillReturnError(errors.New("connection reset"))

	rec, claimed, err := ds.TryClaim(context.Background(), testPayment())
	assert.Error(t, err)
	assert.False(t, claimed)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	payment := testPayment()

	mock.ExpectQuery("UPDATE waldo.processed_records").
		WithArgs(model.StatusClaimed, payment.SourceTxID, model.StatusFailedTransient, 1).
		WillReturnRows(recordRow(payment, model.StatusClaimed, nil, 1))

	rec, claimed, err := ds.Reclaim(context.Background(), payment.SourceTxID, 1)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, model.StatusClaimed, rec.Status)

	// a second retrier loses the compare-and-set
	mock.ExpectQuery("UPDATE waldo.processed_records").
		WithArgs(model.StatusClaimed, payment.SourceTxID, model.StatusFailedTransient, 1).
		WillReturnError(sql.ErrNoRows)

	rec, claimed, err = ds.Reclaim(context.Background(), payment.SourceTxID, 1)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSubmission(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE waldo.processed_records").
		WithArgs("REWARDHASH", sqlmock.AnyArg(), "SRC", model.StatusClaimed, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, ds.RecordSubmission(context.Background(), "SRC", 0, "REWARDHASH", 1200))

	// the claim moved on, so the stale claimer must not journal
	mock.ExpectExec("UPDATE waldo.processed_records").
		WithArgs("REWARDHASH", sqlmock.AnyArg(), "SRC", model.StatusClaimed, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = ds.RecordSubmission(context.Background(), "SRC", 0, "REWARDHASH", 1200)
	assert.ErrorIs(t, err, ErrClaimLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	payment := testPayment()

	mock.ExpectQuery("UPDATE waldo.processed_records").
		WithArgs(model.StatusIssued, sqlmock.AnyArg(), "REWARDHASH", sqlmock.AnyArg(), "tesSUCCESS", false, payment.SourceTxID, model.StatusClaimed, 0).
		WillReturnRows(recordRow(payment, model.StatusIssued, "REWARDHASH", 1))

	rec, err := ds.Finalize(context.Background(), payment.SourceTxID, model.FinalizeParams{
		Status:             model.StatusIssued,
		RewardAmount:       decimal.NewNullDecimal(decimal.NewFromInt(330000)),
		RewardTxID:         "REWARDHASH",
		LastLedgerSequence: 88123480,
		EngineResult:       "tesSUCCESS",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusIssued, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_NotClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE waldo.processed_records").
		WillReturnRows(sqlmock.NewRows(recordColumnNames))

	_, err = ds.Finalize(context.Background(), "SRC", model.FinalizeParams{Status: model.StatusIneligible})
	assert.ErrorIs(t, err, ErrClaimLost)

	_, err = ds.Finalize(context.Background(), "SRC", model.FinalizeParams{Status: model.StatusClaimed})
	assert.Error(t, err, "CLAIMED is not an outcome")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecord_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM waldo.processed_records").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(recordColumnNames))

	_, err = ds.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	payment := testPayment()

	mock.ExpectQuery("SELECT (.+) FROM waldo.processed_records").
		WithArgs(model.StatusIssued, 20, 0).
		WillReturnRows(recordRow(payment, model.StatusIssued, "REWARDHASH", 1))

	records, err := ds.ListRecords(context.Background(), model.StatusIssued, 20, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, payment.SourceTxID, records[0].SourceTxID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStaleRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	payment := testPayment()

	mock.ExpectQuery("SELECT (.+) FROM waldo.processed_records (.+) make_interval").
		WithArgs(model.StatusClaimed, float64(300), 100).
		WillReturnRows(recordRow(payment, model.StatusClaimed, "REWARDHASH", 0))

	records, err := ds.GetStaleRecords(context.Background(), model.StatusClaimed, 5*time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "REWARDHASH", records[0].RewardTxID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
