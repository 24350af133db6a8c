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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/internal/metrics"
	"github.com/waldocoin/waldo/model"
)

const (
	reconcileResolved = "resolved"
	reconcileRequeued = "requeued"
	reconcileSkipped  = "skipped"
	reconcileFailed   = "failed"
)

// ReconcileResult counts what a pass did with each stale record.
type ReconcileResult struct {
	Resolved int `json:"resolved"`
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

func (r *ReconcileResult) add(action string) {
	switch action {
	case reconcileResolved:
		r.Resolved++
	case reconcileRequeued:
		r.Requeued++
	case reconcileSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Reconciler finds records that were left behind by a crashed or stalled worker and drives
// them to an outcome. Issued records are never touched.
type Reconciler struct {
	waldo      *Waldo
	clock      clockwork.Clock
	interval   time.Duration
	staleAfter time.Duration
	retryGrace time.Duration
	batchSize  int
	maxWorkers int
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

func NewReconciler(w *Waldo) *Reconciler {
	cfg := w.config.Distributor
	maxWorkers := cfg.Workers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Reconciler{
		waldo:      w,
		clock:      w.clock,
		interval:   time.Duration(cfg.ReconcileIntervalSec) * time.Second,
		staleAfter: time.Duration(cfg.StaleClaimSec) * time.Second,
		retryGrace: time.Duration(cfg.MaxRetryBackoffSec) * time.Second,
		batchSize:  maxWorkers * 10,
		maxWorkers: maxWorkers,
		stopCh:     make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until Stop or ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	logrus.Info("Reconciler started")
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("Reconciler stopped")
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	r.pass(ctx)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.Chan():
			r.pass(ctx)
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	result, err := r.RunOnce(ctx)
	if err != nil {
		logrus.Errorf("reconciliation pass failed: %v", err)
		return
	}
	if result != (ReconcileResult{}) {
		logrus.WithFields(logrus.Fields{
			"resolved": result.Resolved,
			"requeued": result.Requeued,
			"skipped":  result.Skipped,
			"failed":   result.Failed,
		}).Info("reconciliation pass finished")
	}
}

// Reconcile runs a single reconciliation pass, as triggered from the API or the CLI.
func (w *Waldo) Reconcile(ctx context.Context) (ReconcileResult, error) {
	return NewReconciler(w).RunOnce(ctx)
}

// RunOnce handles stale CLAIMED records, then FAILED_TRANSIENT records whose own retry should
// have fired by now.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "Reconciling stale records")
	defer span.End()

	var result ReconcileResult

	claimed, err := r.waldo.datasource.GetStaleRecords(ctx, model.StatusClaimed, r.staleAfter, r.batchSize)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("failed to get stale claims: %w", err)
	}
	transient, err := r.waldo.datasource.GetStaleRecords(ctx, model.StatusFailedTransient, r.staleAfter+r.retryGrace, r.batchSize)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("failed to get stale retries: %w", err)
	}

	records := append(claimed, transient...)
	if len(records) == 0 {
		return result, nil
	}
	logrus.Infof("Reconciling %d stale records with %d workers", len(records), r.maxWorkers)

	var mu sync.Mutex
	sem := make(chan struct{}, r.maxWorkers)
	var batchWg sync.WaitGroup

	for i := range records {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(rec *model.ProcessedRecord) {
			defer batchWg.Done()
			defer func() { <-sem }()

			action, err := r.reconcileRecord(ctx, rec)
			if err != nil {
				logrus.Errorf("failed to reconcile %s: %v", rec.SourceTxID, err)
				action = reconcileFailed
			}
			metrics.ReconciledTotal.WithLabelValues(action).Inc()

			mu.Lock()
			result.add(action)
			mu.Unlock()
		}(&records[i])
	}

	batchWg.Wait()
	return result, nil
}

func (r *Reconciler) paymentFor(rec *model.ProcessedRecord) model.IncomingPayment {
	return model.IncomingPayment{
		SourceTxID:     rec.SourceTxID,
		Payer:          rec.Payer,
		Destination:    r.waldo.config.Distributor.WatchedAccount,
		NativeAmount:   rec.NativeAmount,
		LedgerSequence: rec.LedgerSequence,
		ObservedAt:     rec.CreatedAt,
	}
}

func (r *Reconciler) reconcileRecord(ctx context.Context, rec *model.ProcessedRecord) (string, error) {
	payment := r.paymentFor(rec)

	if rec.Status == model.StatusFailedTransient {
		if err := r.waldo.queue.EnqueuePayment(ctx, payment, rec.Attempts, 0); err != nil {
			return reconcileFailed, err
		}
		return reconcileRequeued, nil
	}

	reward, rate := r.waldo.bonus.Compute(rec.NativeAmount)
	entry := auditEntryFor(payment, rec, reward, rate)

	var outcome model.Outcome
	allowEscalation := true
	if rec.HasJournaledReward() {
		resolution, err := r.waldo.issuer.Resolve(ctx, rec.RewardTxID, rec.LastLedgerSequence)
		if err != nil {
			return reconcileFailed, err
		}

		outcome = model.Outcome{
			RewardTxID:         rec.RewardTxID,
			LastLedgerSequence: rec.LastLedgerSequence,
			EngineResult:       resolution.EngineResult,
		}
		switch resolution.State {
		case model.ResolutionPending:
			// release the stale claim so the record counts against the attempt bound; the
			// stale retry sweep picks it up again later
			outcome.Status = model.StatusFailedTransient
			outcome.Message = "reward not yet final"
			allowEscalation = false
		case model.ResolutionIssued:
			outcome.Status = model.StatusIssued
		case model.ResolutionFailed:
			outcome.Status = model.StatusFailedTerminal
			outcome.Message = "reward validated with a failed engine result"
		default:
			outcome.Status = model.StatusFailedTransient
			outcome.Message = "reward expired without validation"
		}
	} else {
		outcome = transientOutcome("claim went stale before a reward was signed")
	}

	status, err := r.waldo.finish(ctx, rec, entry, outcome, allowEscalation)
	if !allowEscalation {
		return reconcileSkipped, nil
	}
	if status != model.StatusFailedTransient {
		if err != nil {
			return reconcileFailed, err
		}
		return reconcileResolved, nil
	}

	// finish bumped attempts, so the retry gets a fresh task id.
	if err := r.waldo.queue.EnqueuePayment(ctx, payment, rec.Attempts+1, 0); err != nil {
		return reconcileFailed, err
	}
	return reconcileRequeued, nil
}
