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
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/database"
	"github.com/waldocoin/waldo/internal/xrpl"
	"github.com/waldocoin/waldo/model"
)

const (
	testDistributor = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	testIssuer      = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	testPayer       = "rPEPPER7kfTD9w2To4CQk6UCfuHM9c6GDY"
)

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "waldo test",
		Redis:       config.RedisConfig{Dns: "localhost:6379"},
		Distributor: config.DistributorConfig{
			WatchedAccount:       testDistributor,
			TokenCode:            "WLO",
			TokenIssuer:          testIssuer,
			MinimumAmount:        decimal.NewFromInt(10),
			BaseConversionRate:   decimal.NewFromInt(1000),
			BonusTiers:           config.DefaultBonusTiers(),
			MaxAttempts:          3,
			RetryBackoffSec:      1,
			MaxRetryBackoffSec:   10,
			FinalityTimeoutSec:   1,
			LedgerOffset:         20,
			MaxFeeDrops:          1000,
			Workers:              4,
			StaleClaimSec:        60,
			ReconcileIntervalSec: 30,
			EligibilityRetries:   2,
			StatusFeedSize:       10,
		},
		Queue: config.QueueConfig{
			PaymentQueue: "payment:process",
			WebhookQueue: "webhook:send",
		},
	}
}

// memStore is an in-memory idempotency store with the same compare-and-set rules as the
// Postgres implementation.
type memStore struct {
	mu          sync.Mutex
	records     map[string]*model.ProcessedRecord
	audit       []model.AuditEntry
	claimErr    error
	finalizeErr error
	auditErr    error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*model.ProcessedRecord{}}
}

func (m *memStore) TryClaim(_ context.Context, payment *model.IncomingPayment) (*model.ProcessedRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, false, m.claimErr
	}
	if rec, ok := m.records[payment.SourceTxID]; ok {
		cp := *rec
		return &cp, false, nil
	}
	now := time.Now()
	rec := &model.ProcessedRecord{
		SourceTxID:     payment.SourceTxID,
		Payer:          payment.Payer,
		NativeAmount:   payment.NativeAmount,
		LedgerSequence: payment.LedgerSequence,
		Status:         model.StatusClaimed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.records[payment.SourceTxID] = rec
	cp := *rec
	return &cp, true, nil
}

func (m *memStore) Reclaim(_ context.Context, sourceTxID string, expectedAttempts int) (*model.ProcessedRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sourceTxID]
	if !ok || rec.Status != model.StatusFailedTransient || rec.Attempts != expectedAttempts {
		return nil, false, nil
	}
	rec.Status = model.StatusClaimed
	rec.UpdatedAt = time.Now()
	cp := *rec
	return &cp, true, nil
}

func (m *memStore) RecordSubmission(_ context.Context, sourceTxID string, attempts int, rewardTxID string, lastLedgerSequence uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sourceTxID]
	if !ok || rec.Status != model.StatusClaimed || rec.Attempts != attempts {
		return database.ErrClaimLost
	}
	rec.RewardTxID = rewardTxID
	rec.LastLedgerSequence = lastLedgerSequence
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) Finalize(_ context.Context, sourceTxID string, params model.FinalizeParams) (*model.ProcessedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalizeErr != nil {
		return nil, m.finalizeErr
	}
	if !model.ValidTransition(model.StatusClaimed, params.Status) {
		return nil, fmt.Errorf("invalid outcome status %q", params.Status)
	}
	rec, ok := m.records[sourceTxID]
	if !ok || rec.Status != model.StatusClaimed || rec.Attempts != params.ExpectedAttempts {
		return nil, database.ErrClaimLost
	}
	rec.Status = params.Status
	if params.RewardAmount.Valid {
		rec.RewardAmount = params.RewardAmount
	}
	if params.RewardTxID != "" {
		rec.RewardTxID = params.RewardTxID
	}
	if params.LastLedgerSequence > rec.LastLedgerSequence {
		rec.LastLedgerSequence = params.LastLedgerSequence
	}
	rec.EngineResult = params.EngineResult
	rec.ManualReview = params.ManualReview
	rec.Attempts++
	rec.UpdatedAt = time.Now()
	cp := *rec
	return &cp, nil
}

func (m *memStore) GetRecord(_ context.Context, sourceTxID string) (*model.ProcessedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sourceTxID]
	if !ok {
		return nil, database.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) ListRecords(_ context.Context, status string, limit, offset int) ([]model.ProcessedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ProcessedRecord{}
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	if offset >= len(out) {
		return []model.ProcessedRecord{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetStaleRecords(_ context.Context, status string, olderThan time.Duration, limit int) ([]model.ProcessedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	out := []model.ProcessedRecord{}
	for _, rec := range m.records {
		if rec.Status == status && rec.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memStore) RecordAudit(_ context.Context, entry *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	entry.ID = int64(len(m.audit) + 1)
	entry.AuditID = model.GenerateUUIDWithSuffix("audit")
	entry.CreatedAt = time.Now()
	m.audit = append(m.audit, *entry)
	return nil
}

func (m *memStore) ListAudit(_ context.Context, limit, offset int) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEntry{}, m.audit...), nil
}

func (m *memStore) ListAuditBySource(_ context.Context, sourceTxID string) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.AuditEntry{}
	for _, entry := range m.audit {
		if entry.SourceTxID == sourceTxID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error {
	return nil
}

func (m *memStore) record(sourceTxID string) model.ProcessedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[sourceTxID]
}

func (m *memStore) put(rec model.ProcessedRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SourceTxID] = &rec
}

func (m *memStore) auditFor(sourceTxID string) []model.AuditEntry {
	entries, _ := m.ListAuditBySource(context.Background(), sourceTxID)
	return entries
}

// fakeLedger answers ledger queries from memory. Submitted rewards are validated with
// finalResult when it is set and never appear otherwise.
type fakeLedger struct {
	mu           sync.Mutex
	lines        []xrpl.TrustLine
	linesErrs    []error
	linesCalls   int
	sequence     uint32
	validated    uint32
	fee          xrpl.FeeInfo
	engineResult string
	finalResult  string
	submitErr    error
	submitted    []string
	txs          map[string]xrpl.TxResult
	searchedAll  bool
	submitHook   func()
	history      []xrpl.RawTxEvent
	historyErr   error
	historyFrom  []uint32
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		lines: []xrpl.TrustLine{{
			Account:  testIssuer,
			Currency: "WLO",
			Balance:  decimal.Zero,
			Limit:    decimal.NewFromInt(1000000000),
		}},
		sequence:     7,
		validated:    1000,
		fee:          xrpl.FeeInfo{BaseFee: 10, MedianFee: 5000, OpenLedgerFee: 10},
		engineResult: xrpl.ResultSuccess,
		finalResult:  xrpl.ResultSuccess,
		txs:          map[string]xrpl.TxResult{},
		searchedAll:  true,
	}
}

func (f *fakeLedger) AccountLines(_ context.Context, account, peer string) ([]xrpl.TrustLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linesCalls++
	if len(f.linesErrs) > 0 {
		err := f.linesErrs[0]
		f.linesErrs = f.linesErrs[1:]
		return nil, err
	}
	return f.lines, nil
}

func (f *fakeLedger) AccountInfo(_ context.Context, account string) (xrpl.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return xrpl.AccountInfo{Account: account, Balance: decimal.NewFromInt(250), Sequence: f.sequence}, nil
}

func (f *fakeLedger) Fee(context.Context) (xrpl.FeeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fee, nil
}

func (f *fakeLedger) ValidatedLedger(context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validated, nil
}

func (f *fakeLedger) Submit(_ context.Context, blob string) (xrpl.SubmitResult, error) {
	f.mu.Lock()
	hook := f.submitHook
	if f.submitErr != nil {
		f.mu.Unlock()
		return xrpl.SubmitResult{}, f.submitErr
	}
	hash := strings.TrimPrefix(blob, "BLOB:")
	f.submitted = append(f.submitted, hash)
	if f.finalResult != "" {
		f.txs[hash] = xrpl.TxResult{Hash: hash, Validated: true, LedgerIndex: f.validated + 1, TransactionResult: f.finalResult}
	}
	result := xrpl.SubmitResult{EngineResult: f.engineResult, Accepted: true, Hash: hash}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return result, nil
}

func (f *fakeLedger) Tx(_ context.Context, hash string, minLedger, maxLedger uint32) (xrpl.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[hash]; ok {
		return tx, nil
	}
	return xrpl.TxResult{}, &xrpl.RPCError{
		Command: "tx",
		Code:    "txnNotFound",
		Data:    gjson.Parse(fmt.Sprintf(`{"searched_all":%t}`, f.searchedAll)),
	}
}

func (f *fakeLedger) AccountTx(_ context.Context, account string, minLedger, maxLedger uint32) ([]xrpl.RawTxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyFrom = append(f.historyFrom, minLedger)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	events := []xrpl.RawTxEvent{}
	for _, evt := range f.history {
		if evt.LedgerIndex >= minLedger && (maxLedger == 0 || evt.LedgerIndex <= maxLedger) {
			events = append(events, evt)
		}
	}
	return events, nil
}

func (f *fakeLedger) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.submitted...)
}

func (f *fakeLedger) set(fn func(f *fakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeSigner struct {
	address string
}

func (s fakeSigner) Address() string {
	return s.address
}

func (s fakeSigner) Sign(tx map[string]interface{}) (string, string, error) {
	hash := fmt.Sprintf("REWARD-%v-%v-%v", tx["Destination"], tx["Sequence"], tx["LastLedgerSequence"])
	return "BLOB:" + hash, hash, nil
}

// fakeEnqueuer records tasks instead of writing them to Redis. Task ids collide the way asynq
// does while a task with that id is retained.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	ids   map[string]bool
	opts  [][]asynq.Option
	err   error
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{ids: map[string]bool{}}
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id := opt.Value().(string)
			if f.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			f.ids[id] = true
		}
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error {
	return nil
}

func (f *fakeEnqueuer) taskCount(taskType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, task := range f.tasks {
		if task.Type() == taskType {
			n++
		}
	}
	return n
}

func (f *fakeEnqueuer) taskIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{}
	for _, opts := range f.opts {
		for _, opt := range opts {
			if opt.Type() == asynq.TaskIDOpt {
				ids = append(ids, opt.Value().(string))
			}
		}
	}
	return ids
}

type operatorNotice struct {
	title  string
	err    error
	fields map[string]string
}

type testHarness struct {
	waldo   *Waldo
	store   *memStore
	ledger  *fakeLedger
	queue   *fakeEnqueuer
	redis   *miniredis.Miniredis
	mu      sync.Mutex
	notices []operatorNotice
}

func (h *testHarness) notifications() []operatorNotice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]operatorNotice{}, h.notices...)
}

func newTestHarness(t *testing.T, mutate ...func(*config.Configuration)) *testHarness {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}
	config.MockConfig(cfg)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &testHarness{
		store:  newMemStore(),
		ledger: newFakeLedger(),
		queue:  newFakeEnqueuer(),
		redis:  mr,
	}

	w, err := NewWaldo(h.store, h.ledger, fakeSigner{address: testDistributor}, client,
		WithQueue(NewQueueWithClient(h.queue, cfg)),
		WithIssuerPollInterval(10*time.Millisecond),
		WithOperatorNotifier(func(title string, err error, fields map[string]string) {
			h.mu.Lock()
			h.notices = append(h.notices, operatorNotice{title: title, err: err, fields: fields})
			h.mu.Unlock()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	h.waldo = w
	return h
}

func testIncomingPayment(hash string, xrp int64) model.IncomingPayment {
	return model.IncomingPayment{
		SourceTxID:     hash,
		Payer:          testPayer,
		Destination:    testDistributor,
		NativeAmount:   decimal.NewFromInt(xrp),
		LedgerSequence: 999,
		ObservedAt:     time.Now(),
	}
}
