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
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/waldocoin/waldo/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Record methods

func (m *MockDataSource) TryClaim(ctx context.Context, payment *model.IncomingPayment) (*model.ProcessedRecord, bool, error) {
	args := m.Called(ctx, payment)
	rec, _ := args.Get(0).(*model.ProcessedRecord)
	return rec, args.Bool(1), args.Error(2)
}

func (m *MockDataSource) Reclaim(ctx context.Context, sourceTxID string, expectedAttempts int) (*model.ProcessedRecord, bool, error) {
	args := m.Called(ctx, sourceTxID, expectedAttempts)
	rec, _ := args.Get(0).(*model.ProcessedRecord)
	return rec, args.Bool(1), args.Error(2)
}

func (m *MockDataSource) RecordSubmission(ctx context.Context, sourceTxID string, attempts int, rewardTxID string, lastLedgerSequence uint32) error {
	args := m.Called(ctx, sourceTxID, attempts, rewardTxID, lastLedgerSequence)
	return args.Error(0)
}

func (m *MockDataSource) Finalize(ctx context.Context, sourceTxID string, params model.FinalizeParams) (*model.ProcessedRecord, error) {
	args := m.Called(ctx, sourceTxID, params)
	rec, _ := args.Get(0).(*model.ProcessedRecord)
	return rec, args.Error(1)
}

func (m *MockDataSource) GetRecord(ctx context.Context, sourceTxID string) (*model.ProcessedRecord, error) {
	args := m.Called(ctx, sourceTxID)
	rec, _ := args.Get(0).(*model.ProcessedRecord)
	return rec, args.Error(1)
}

func (m *MockDataSource) ListRecords(ctx context.Context, status string, limit, offset int) ([]model.ProcessedRecord, error) {
	args := m.Called(ctx, status, limit, offset)
	return args.Get(0).([]model.ProcessedRecord), args.Error(1)
}

func (m *MockDataSource) GetStaleRecords(ctx context.Context, status string, olderThan time.Duration, limit int) ([]model.ProcessedRecord, error) {
	args := m.Called(ctx, status, olderThan, limit)
	return args.Get(0).([]model.ProcessedRecord), args.Error(1)
}

// Audit methods

func (m *MockDataSource) RecordAudit(ctx context.Context, entry *model.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDataSource) ListAudit(ctx context.Context, limit, offset int) ([]model.AuditEntry, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]model.AuditEntry), args.Error(1)
}

func (m *MockDataSource) ListAuditBySource(ctx context.Context, sourceTxID string) ([]model.AuditEntry, error) {
	args := m.Called(ctx, sourceTxID)
	return args.Get(0).([]model.AuditEntry), args.Error(1)
}

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
