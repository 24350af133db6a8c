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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/internal/metrics"
	"github.com/waldocoin/waldo/internal/xrpl"
	"github.com/waldocoin/waldo/model"
)

const rewardMemoType = "waldo/source-tx"

// ErrIssuerStopped is returned to callers that hand a reward to a stopped issuer.
var ErrIssuerStopped = errors.New("reward issuer stopped")

type submissionJournal interface {
	RecordSubmission(ctx context.Context, sourceTxID string, attempts int, rewardTxID string, lastLedgerSequence uint32) error
}

type signerLock interface {
	WaitLock(ctx context.Context, lockTimeout, waitTimeout time.Duration) error
	ExtendLock(ctx context.Context, extension time.Duration) error
	Unlock(ctx context.Context) error
}

// signerLockTTL is the lease on the signer lock. The issuer renews it while a cycle runs, so a
// crashed holder blocks other processes for at most this long.
const signerLockTTL = 30 * time.Second

type submitRequest struct {
	ctx     context.Context
	payment model.RewardPayment
	reply   chan model.Outcome
}

// RewardIssuer is the only writer for the signing account. A single goroutine owns the
// account sequence and runs one build, sign, submit and confirm cycle at a time.
type RewardIssuer struct {
	ledger          LedgerClient
	signer          xrpl.Signer
	journal         submissionJournal
	lock            signerLock
	maxFee          int64
	ledgerOffset    uint32
	finalityTimeout time.Duration
	pollInterval    time.Duration
	lockTTL         time.Duration
	lockRenewEvery  time.Duration

	requests chan submitRequest
	quit     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	// owned by the run goroutine
	sequence     uint32
	haveSequence bool
}

func NewRewardIssuer(ledger LedgerClient, signer xrpl.Signer, journal submissionJournal, lock signerLock, cfg config.DistributorConfig) *RewardIssuer {
	return &RewardIssuer{
		ledger:          ledger,
		signer:          signer,
		journal:         journal,
		lock:            lock,
		maxFee:          cfg.MaxFeeDrops,
		ledgerOffset:    cfg.LedgerOffset,
		finalityTimeout: time.Duration(cfg.FinalityTimeoutSec) * time.Second,
		pollInterval:    time.Second,
		lockTTL:         signerLockTTL,
		lockRenewEvery:  signerLockTTL / 3,
		requests:        make(chan submitRequest),
		quit:            make(chan struct{}),
	}
}

func (r *RewardIssuer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.quit = make(chan struct{})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
}

// Stop lets the cycle in progress finish and then stops the goroutine.
func (r *RewardIssuer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.quit)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *RewardIssuer) run() {
	for {
		select {
		case <-r.quit:
			return
		case req := <-r.requests:
			req.reply <- r.process(req.ctx, req.payment)
		}
	}
}

// Submit hands the payment to the issuer goroutine and waits for the outcome. It never returns
// an error; failures are expressed as an Outcome status.
func (r *RewardIssuer) Submit(ctx context.Context, payment model.RewardPayment) model.Outcome {
	r.mu.Lock()
	quit := r.quit
	running := r.running
	r.mu.Unlock()
	if !running {
		return transientOutcome(ErrIssuerStopped.Error())
	}

	req := submitRequest{ctx: ctx, payment: payment, reply: make(chan model.Outcome, 1)}
	select {
	case r.requests <- req:
	case <-ctx.Done():
		return transientOutcome(fmt.Sprintf("not submitted: %v", ctx.Err()))
	case <-quit:
		return transientOutcome(ErrIssuerStopped.Error())
	}
	return <-req.reply
}

func transientOutcome(message string) model.Outcome {
	return model.Outcome{Status: model.StatusFailedTransient, Message: message}
}

func (r *RewardIssuer) process(ctx context.Context, payment model.RewardPayment) model.Outcome {
	ctx, span := tracer.Start(ctx, "Issuing reward")
	defer span.End()

	started := time.Now()
	defer func() {
		metrics.SubmissionDuration.Observe(time.Since(started).Seconds())
	}()

	if err := r.lock.WaitLock(ctx, r.lockTTL, r.finalityTimeout); err != nil {
		return transientOutcome(fmt.Sprintf("signer lock unavailable: %v", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	renewed := r.holdLock(ctx, cancel)
	defer func() {
		cancel()
		<-renewed
		if err := r.lock.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warn("failed to release signer lock")
		}
	}()

	outcome := r.submit(ctx, payment)
	metrics.SubmissionsTotal.WithLabelValues(outcome.Status).Inc()
	return outcome
}

// holdLock renews the signer lock until ctx is done. If a renewal fails the lock may already
// belong to another process, so the cycle is cancelled before it signs or submits anything
// else. The returned channel closes when renewal has stopped.
func (r *RewardIssuer) holdLock(ctx context.Context, cancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.lockRenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.lock.ExtendLock(context.Background(), r.lockTTL); err != nil {
					logrus.WithError(err).Error("lost signer lock, abandoning submission cycle")
					metrics.SignerLockLostTotal.Inc()
					cancel()
					return
				}
			}
		}
	}()
	return done
}

func (r *RewardIssuer) submit(ctx context.Context, payment model.RewardPayment) model.Outcome {
	log := logrus.WithField("source_tx_id", payment.SourceTxID)

	sequence, err := r.nextSequence(ctx)
	if err != nil {
		return transientOutcome(fmt.Sprintf("failed to resolve sequence: %v", err))
	}
	fee, err := r.resolveFee(ctx)
	if err != nil {
		return transientOutcome(fmt.Sprintf("failed to resolve fee: %v", err))
	}
	validated, err := r.ledger.ValidatedLedger(ctx)
	if err != nil {
		return transientOutcome(fmt.Sprintf("failed to resolve validated ledger: %v", err))
	}
	lastLedger := validated + r.ledgerOffset

	tx := xrpl.BuildPayment(xrpl.PaymentParams{
		Account:            r.signer.Address(),
		Destination:        payment.Destination,
		Amount:             xrpl.IssuedAmount(payment.TokenCode, payment.TokenIssuer, payment.Value),
		Fee:                fee,
		Sequence:           sequence,
		LastLedgerSequence: lastLedger,
		MemoType:           rewardMemoType,
		MemoData:           payment.SourceTxID,
	})

	blob, hash, err := r.signer.Sign(tx)
	if err != nil {
		return model.Outcome{Status: model.StatusFailedTerminal, Message: err.Error()}
	}

	// Journal before the blob leaves the process so a crash can always be resolved by hash.
	if err := r.journal.RecordSubmission(ctx, payment.SourceTxID, payment.ClaimAttempts, hash, lastLedger); err != nil {
		return transientOutcome(fmt.Sprintf("failed to journal submission: %v", err))
	}

	outcome := model.Outcome{RewardTxID: hash, LastLedgerSequence: lastLedger}

	// the journaled hash is never submitted, so a later attempt sees it expire at lastLedger
	if err := ctx.Err(); err != nil {
		r.haveSequence = false
		outcome.Status = model.StatusFailedTransient
		outcome.Message = fmt.Sprintf("not submitted: %v", err)
		return outcome
	}

	result, err := r.ledger.Submit(ctx, blob)
	if err != nil {
		r.haveSequence = false
		outcome.Status = model.StatusFailedTransient
		outcome.Message = fmt.Sprintf("submit failed: %v", err)
		return outcome
	}
	log.WithFields(logrus.Fields{
		"reward_tx_id":  hash,
		"engine_result": result.EngineResult,
		"sequence":      sequence,
	}).Info("reward submitted")

	outcome.EngineResult = result.EngineResult
	switch {
	case xrpl.IsRejected(result.EngineResult):
		outcome.Status = model.StatusFailedTerminal
		outcome.Message = result.EngineResultMessage
		return outcome
	case consumesSequence(result.EngineResult):
		r.sequence = sequence + 1
	case neverForwarded(result.EngineResult):
		// not applied and not relayed, so it cannot be validated; the retry resolves it once
		// the ledger passes lastLedger.
		if xrpl.IsSequenceError(result.EngineResult) {
			log.WithField("sequence", sequence).Warn("cached account sequence was stale")
		}
		r.haveSequence = false
		outcome.Status = model.StatusFailedTransient
		outcome.Message = result.EngineResultMessage
		return outcome
	default:
		r.haveSequence = false
	}

	resolution := r.Await(ctx, hash, lastLedger)
	switch resolution.State {
	case model.ResolutionIssued:
		outcome.Status = model.StatusIssued
		outcome.EngineResult = resolution.EngineResult
	case model.ResolutionFailed:
		outcome.Status = model.StatusFailedTerminal
		outcome.EngineResult = resolution.EngineResult
		outcome.Message = "validated with a failed engine result"
	case model.ResolutionExpired:
		outcome.Status = model.StatusFailedTransient
		outcome.Message = "expired without validation"
	default:
		outcome.Status = model.StatusFailedTransient
		outcome.Message = "finality timeout"
	}
	return outcome
}

// consumesSequence reports whether a preliminary result means the sequence number is spent
// or will be once the transaction is applied.
func consumesSequence(engineResult string) bool {
	return engineResult == xrpl.ResultSuccess || engineResult == "terQUEUED" || strings.HasPrefix(engineResult, "tec")
}

func neverForwarded(engineResult string) bool {
	return strings.HasPrefix(engineResult, "tel") || strings.HasPrefix(engineResult, "tef")
}

func (r *RewardIssuer) nextSequence(ctx context.Context) (uint32, error) {
	if r.haveSequence {
		return r.sequence, nil
	}
	info, err := r.ledger.AccountInfo(ctx, r.signer.Address())
	if err != nil {
		return 0, err
	}
	r.sequence = info.Sequence
	r.haveSequence = true
	return r.sequence, nil
}

func (r *RewardIssuer) resolveFee(ctx context.Context) (int64, error) {
	info, err := r.ledger.Fee(ctx)
	if err != nil {
		return 0, err
	}
	fee := info.OpenLedgerFee
	if fee < info.BaseFee {
		fee = info.BaseFee
	}
	if r.maxFee > 0 && fee > r.maxFee {
		if info.BaseFee > r.maxFee {
			return 0, fmt.Errorf("base fee %d drops exceeds cap of %d", info.BaseFee, r.maxFee)
		}
		fee = r.maxFee
	}
	return fee, nil
}

// Await polls Resolve until the reward is final, expired or the finality timeout passes.
func (r *RewardIssuer) Await(ctx context.Context, hash string, lastLedger uint32) model.Resolution {
	deadline := time.Now().Add(r.finalityTimeout)
	for {
		resolution, err := r.Resolve(ctx, hash, lastLedger)
		if err != nil {
			logrus.WithError(err).WithField("reward_tx_id", hash).Debug("finality check failed")
		} else if resolution.State != model.ResolutionPending {
			return resolution
		}

		wait := r.pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return model.Resolution{State: model.ResolutionPending}
		}

		select {
		case <-ctx.Done():
			return model.Resolution{State: model.ResolutionPending}
		case <-time.After(wait):
		}
	}
}

// Resolve reports what became of a signed reward. Expired is returned only when the node
// searched every ledger up to lastLedgerSequence and that ledger is already validated, so
// the transaction can never be included.
func (r *RewardIssuer) Resolve(ctx context.Context, rewardTxID string, lastLedgerSequence uint32) (model.Resolution, error) {
	minLedger := uint32(1)
	if lastLedgerSequence > r.ledgerOffset {
		minLedger = lastLedgerSequence - r.ledgerOffset
	}

	tx, err := r.ledger.Tx(ctx, rewardTxID, minLedger, lastLedgerSequence)
	if err == nil {
		if !tx.Validated {
			return model.Resolution{State: model.ResolutionPending}, nil
		}
		if xrpl.Classify(tx.TransactionResult, true) == xrpl.ClassSuccess {
			return model.Resolution{State: model.ResolutionIssued, EngineResult: tx.TransactionResult}, nil
		}
		return model.Resolution{State: model.ResolutionFailed, EngineResult: tx.TransactionResult}, nil
	}

	var rpcErr *xrpl.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != "txnNotFound" {
		return model.Resolution{}, err
	}
	if !rpcErr.SearchedAll() {
		return model.Resolution{State: model.ResolutionPending}, nil
	}

	validated, err := r.ledger.ValidatedLedger(ctx)
	if err != nil {
		return model.Resolution{}, err
	}
	if validated > lastLedgerSequence {
		return model.Resolution{State: model.ResolutionExpired}, nil
	}
	return model.Resolution{State: model.ResolutionPending}, nil
}

// Preflight checks that the signing seed derives the distributor address and logs the
// account balance.
func (r *RewardIssuer) Preflight(ctx context.Context, distributor string) error {
	if r.signer.Address() != distributor {
		return fmt.Errorf("signing seed derives %s, expected distributor %s", r.signer.Address(), distributor)
	}

	info, err := r.ledger.AccountInfo(ctx, distributor)
	if err != nil {
		logrus.WithError(err).Warn("could not read distributor account during preflight")
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"account":  distributor,
		"balance":  info.Balance.String(),
		"sequence": info.Sequence,
	}).Info("distributor account ready")
	return nil
}
