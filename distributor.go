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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/database"
	"github.com/waldocoin/waldo/internal/metrics"
	"github.com/waldocoin/waldo/internal/notification"
	"github.com/waldocoin/waldo/internal/xrpl"
	"github.com/waldocoin/waldo/model"
)

// ErrTransient marks an attempt that did not reach a final outcome. The record is left in
// FAILED_TRANSIENT and a later attempt picks it up.
var ErrTransient = errors.New("transient failure, retry later")

var notifyOperator = notification.NotifyOperator

// HandleEvent filters a stream notification and queues qualifying payments. When the queue is
// unreachable the payment is processed inline so that it is claimed before the event is lost.
func (w *Waldo) HandleEvent(ctx context.Context, evt xrpl.RawTxEvent) error {
	metrics.EventsReceivedTotal.Inc()
	if err := w.status.MarkEvent(ctx, evt.LedgerIndex); err != nil {
		logrus.WithError(err).Debug("failed to update subscriber status")
	}

	distributor := w.config.Distributor
	payment, reason := classifyEvent(evt, distributor.WatchedAccount, distributor.MinimumAmount)
	if reason != "" {
		metrics.EventsDroppedTotal.WithLabelValues(reason).Inc()
		logrus.WithFields(logrus.Fields{"tx_hash": evt.Hash, "reason": reason}).Debug("event ignored")
		return nil
	}

	err := w.queue.EnqueuePayment(ctx, payment, 0, 0)
	if err == nil {
		metrics.PaymentsEnqueuedTotal.WithLabelValues("queued").Inc()
		return nil
	}

	metrics.PaymentsEnqueuedTotal.WithLabelValues("inline").Inc()
	logrus.WithError(err).WithField("source_tx_id", payment.SourceTxID).Warn("queue unavailable, processing payment inline")
	if err := w.ProcessPayment(ctx, payment); err != nil && !errors.Is(err, ErrTransient) {
		return err
	}
	return nil
}

// ProcessPaymentTask is the asynq handler for payment tasks.
func (w *Waldo) ProcessPaymentTask(ctx context.Context, task *asynq.Task) error {
	var payload PaymentTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling payment payload: %v", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err := w.ProcessPayment(ctx, payload.Payment)
	if errors.Is(err, ErrTransient) {
		retryCount, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		logrus.Infof("Payment %s pushed back for retry %d/%d: %v", payload.Payment.SourceTxID, retryCount, maxRetry, err)
	}
	return err
}

// ProcessPayment takes a payment to a final outcome at most once. Only the caller that
// claims the source transaction goes on to check eligibility and issue the reward.
func (w *Waldo) ProcessPayment(ctx context.Context, payment model.IncomingPayment) error {
	ctx, span := tracer.Start(ctx, "Processing payment")
	defer span.End()

	log := logrus.WithField("source_tx_id", payment.SourceTxID)

	rec, claimed, err := w.datasource.TryClaim(ctx, &payment)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: claim failed: %v", ErrTransient, err)
	}

	if !claimed {
		if rec.Status != model.StatusFailedTransient {
			metrics.DuplicatesTotal.Inc()
			log.WithField("status", rec.Status).Debug("payment already claimed")
			return nil
		}
		rec, claimed, err = w.datasource.Reclaim(ctx, payment.SourceTxID, rec.Attempts)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("%w: reclaim failed: %v", ErrTransient, err)
		}
		if !claimed {
			metrics.DuplicatesTotal.Inc()
			log.Debug("retry already taken by another worker")
			return nil
		}
	}

	_, err = w.drive(ctx, payment, rec)
	return err
}

func auditEntryFor(payment model.IncomingPayment, rec *model.ProcessedRecord, reward, rate decimal.Decimal) model.AuditEntry {
	return model.AuditEntry{
		SourceTxID:   payment.SourceTxID,
		Payer:        payment.Payer,
		InputAmount:  payment.NativeAmount,
		RewardAmount: reward,
		AppliedRate:  rate,
		Attempt:      rec.Attempts + 1,
	}
}

// drive runs one attempt for a claimed record and returns the status it was finalized with.
func (w *Waldo) drive(ctx context.Context, payment model.IncomingPayment, rec *model.ProcessedRecord) (string, error) {
	reward, rate := w.bonus.Compute(payment.NativeAmount)
	entry := auditEntryFor(payment, rec, reward, rate)

	// A reward signed by an earlier attempt must be resolved before anything new is signed.
	if rec.HasJournaledReward() {
		prior := model.Outcome{RewardTxID: rec.RewardTxID, LastLedgerSequence: rec.LastLedgerSequence}
		resolution := w.issuer.Await(ctx, rec.RewardTxID, rec.LastLedgerSequence)
		prior.EngineResult = resolution.EngineResult

		switch resolution.State {
		case model.ResolutionIssued:
			prior.Status = model.StatusIssued
			return w.finish(ctx, rec, entry, prior, true)
		case model.ResolutionFailed:
			prior.Status = model.StatusFailedTerminal
			prior.Message = "earlier reward validated with a failed engine result"
			return w.finish(ctx, rec, entry, prior, true)
		case model.ResolutionPending:
			prior.Status = model.StatusFailedTransient
			prior.Message = "earlier reward not yet final"
			return w.finish(ctx, rec, entry, prior, false)
		}
		logrus.WithFields(logrus.Fields{
			"source_tx_id": payment.SourceTxID,
			"reward_tx_id": rec.RewardTxID,
		}).Info("earlier reward expired, issuing again")
	}

	eligibility, err := w.eligibility.Check(ctx, payment.Payer)
	if err != nil {
		return w.finish(ctx, rec, entry, transientOutcome(err.Error()), true)
	}
	if !eligibility.Eligible {
		return w.finish(ctx, rec, entry, model.Outcome{Status: model.StatusIneligible, Message: eligibility.Reason}, true)
	}
	if !reward.IsPositive() {
		return w.finish(ctx, rec, entry, model.Outcome{Status: model.StatusIneligible, Message: "reward rounds to zero"}, true)
	}
	if reward.GreaterThan(eligibility.Headroom) {
		message := fmt.Sprintf("trust line headroom %s is below reward %s", eligibility.Headroom, reward)
		return w.finish(ctx, rec, entry, model.Outcome{Status: model.StatusIneligible, Message: message}, true)
	}

	outcome := w.issuer.Submit(ctx, model.RewardPayment{
		Destination:   payment.Payer,
		TokenCode:     w.config.Distributor.TokenCode,
		TokenIssuer:   w.config.Distributor.TokenIssuer,
		Value:         reward,
		SourceTxID:    payment.SourceTxID,
		ClaimAttempts: rec.Attempts,
	})
	return w.finish(ctx, rec, entry, outcome, true)
}

// finish finalizes the record, audits the outcome and returns ErrTransient for outcomes that
// need another attempt.
func (w *Waldo) finish(ctx context.Context, rec *model.ProcessedRecord, entry model.AuditEntry, outcome model.Outcome, allowEscalation bool) (string, error) {
	log := logrus.WithField("source_tx_id", rec.SourceTxID)

	if outcome.RewardTxID != "" {
		w.eligibility.Forget(ctx, entry.Payer)
	}

	status := outcome.Status
	attempt := rec.Attempts + 1
	if status == model.StatusFailedTransient && allowEscalation && attempt >= w.config.Distributor.MaxAttempts {
		status = model.StatusFailedTerminal
		outcome.Message = fmt.Sprintf("gave up after %d attempts: %s", attempt, outcome.Message)
	}
	// A pending reward cannot be escalated to terminal since it may still land, but once it
	// has used up its attempts an operator has to look at it. The notice goes out once.
	stuck := status == model.StatusFailedTransient && attempt >= w.config.Distributor.MaxAttempts
	if stuck {
		outcome.Message = fmt.Sprintf("still unresolved after %d attempts: %s", attempt, outcome.Message)
	}
	manualReview := status == model.StatusFailedTerminal || stuck
	alert := status == model.StatusFailedTerminal || (stuck && !rec.ManualReview)

	params := model.FinalizeParams{
		Status:             status,
		ExpectedAttempts:   rec.Attempts,
		RewardTxID:         outcome.RewardTxID,
		LastLedgerSequence: outcome.LastLedgerSequence,
		EngineResult:       outcome.EngineResult,
		ManualReview:       manualReview,
	}
	if status == model.StatusIssued {
		params.RewardAmount = decimal.NewNullDecimal(entry.RewardAmount)
	}

	if _, err := w.datasource.Finalize(ctx, rec.SourceTxID, params); err != nil {
		if errors.Is(err, database.ErrClaimLost) {
			log.WithField("status", status).Warn("claim was taken over before the outcome was recorded")
			return status, nil
		}
		if status == model.StatusIssued {
			w.notify("Issued Reward Not Recorded", err, map[string]string{
				"source_tx_id": rec.SourceTxID,
				"reward_tx_id": outcome.RewardTxID,
			})
		}
		return status, fmt.Errorf("%w: failed to finalize: %v", ErrTransient, err)
	}

	metrics.OutcomesTotal.WithLabelValues(status).Inc()
	if status == model.StatusIssued {
		metrics.IssuedRewardTotal.Add(entry.RewardAmount.InexactFloat64())
	}
	if alert {
		metrics.ManualReviewTotal.Inc()
		w.notify("Reward Needs Manual Review", errors.New(outcome.Message), map[string]string{
			"source_tx_id":  rec.SourceTxID,
			"payer":         entry.Payer,
			"reward_tx_id":  outcome.RewardTxID,
			"engine_result": outcome.EngineResult,
		})
	}

	entry.Outcome = status
	entry.EngineResult = outcome.EngineResult
	entry.RewardTxID = outcome.RewardTxID
	entry.Message = outcome.Message
	w.auditor.Record(ctx, &entry)

	log.WithFields(logrus.Fields{
		"status":        status,
		"reward":        entry.RewardAmount.String(),
		"reward_tx_id":  outcome.RewardTxID,
		"engine_result": outcome.EngineResult,
		"attempt":       attempt,
	}).Info("payment processed")

	if status == model.StatusFailedTransient {
		return status, fmt.Errorf("%w: %s", ErrTransient, outcome.Message)
	}
	return status, nil
}
