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
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/posthog/posthog-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/database"
	"github.com/waldocoin/waldo/internal/cache"
	redlock "github.com/waldocoin/waldo/internal/lock"
	"github.com/waldocoin/waldo/internal/xrpl"
	"go.opentelemetry.io/otel"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("waldo")

// LedgerClient is the set of ledger queries and commands the distributor relies on.
// *xrpl.Client implements it.
type LedgerClient interface {
	AccountLines(ctx context.Context, account, peer string) ([]xrpl.TrustLine, error)
	AccountInfo(ctx context.Context, account string) (xrpl.AccountInfo, error)
	Fee(ctx context.Context) (xrpl.FeeInfo, error)
	ValidatedLedger(ctx context.Context) (uint32, error)
	Submit(ctx context.Context, txBlob string) (xrpl.SubmitResult, error)
	Tx(ctx context.Context, hash string, minLedger, maxLedger uint32) (xrpl.TxResult, error)
	AccountTx(ctx context.Context, account string, minLedger, maxLedger uint32) ([]xrpl.RawTxEvent, error)
}

// Waldo wires the distribution pipeline together.
type Waldo struct {
	config      *config.Configuration
	datasource  database.IDataSource
	redis       redis.UniversalClient
	queue       *Queue
	ledger      LedgerClient
	bonus       *BonusTierTable
	eligibility *EligibilityChecker
	issuer      *RewardIssuer
	auditor     *Auditor
	status      *StatusFeed
	clock       clockwork.Clock
	notify      func(title string, err error, fields map[string]string)

	backfillMu sync.Mutex
}

type Option func(*Waldo)

// WithQueue replaces the asynq backed queue, mostly for tests.
func WithQueue(q *Queue) Option {
	return func(w *Waldo) {
		w.queue = q
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(w *Waldo) {
		w.clock = clock
	}
}

// WithPostHog adds an analytics sink to the audit fan-out.
func WithPostHog(client posthog.Client) Option {
	return func(w *Waldo) {
		w.auditor.AddSink(NewPostHogSink(client, w.config.Distributor.WatchedAccount))
	}
}

// WithOperatorNotifier overrides how manual review escalations reach an operator.
func WithOperatorNotifier(fn func(title string, err error, fields map[string]string)) Option {
	return func(w *Waldo) {
		w.notify = fn
		w.auditor.notify = fn
	}
}

// WithIssuerPollInterval changes how often the issuer checks a submitted reward for finality.
func WithIssuerPollInterval(d time.Duration) Option {
	return func(w *Waldo) {
		w.issuer.pollInterval = d
	}
}

// NewWaldo builds the pipeline from the loaded configuration. The ledger client and signer
// are passed in so that the same process can share one node connection.
func NewWaldo(db database.IDataSource, ledger LedgerClient, signer xrpl.Signer, redisClient redis.UniversalClient, opts ...Option) (*Waldo, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	bonus, err := NewBonusTierTable(cfg.Distributor.BonusTiers, cfg.Distributor.BaseConversionRate)
	if err != nil {
		return nil, err
	}

	var eligibilityCache cache.Cache
	if cfg.Distributor.EligibilityCacheSec > 0 {
		ttl := time.Duration(cfg.Distributor.EligibilityCacheSec) * time.Second
		eligibilityCache = cache.NewRedisCache(redisClient, ttl)
	}

	status := NewStatusFeed(redisClient, cfg.Distributor.WatchedAccount, cfg.Distributor.StatusFeedSize)
	lock := redlock.NewSignerLock(redisClient, signer.Address())

	w := &Waldo{
		config:      cfg,
		datasource:  db,
		redis:       redisClient,
		ledger:      ledger,
		bonus:       bonus,
		eligibility: NewEligibilityChecker(ledger, eligibilityCache, cfg.Distributor),
		issuer:      NewRewardIssuer(ledger, signer, db, lock, cfg.Distributor),
		auditor:     NewAuditor(db, status),
		status:      status,
		clock:       clockwork.NewRealClock(),
		notify:      notifyOperator,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.queue == nil {
		w.queue, err = NewQueue(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue: %w", err)
		}
	}
	w.auditor.AddSink(NewWebhookSink(w.queue))
	return w, nil
}

// Start launches the reward issuer and checks that the signing seed belongs to the
// distributor account.
func (w *Waldo) Start(ctx context.Context) error {
	if err := w.issuer.Preflight(ctx, w.config.Distributor.WatchedAccount); err != nil {
		return err
	}
	if err := w.status.Restore(ctx); err != nil {
		logrus.WithError(err).Warn("failed to restore stream position, history replay starts at the next event")
	}
	w.issuer.Start()
	logrus.WithField("account", w.config.Distributor.WatchedAccount).Info("waldo distributor started")
	return nil
}

// Stop waits for the in-flight submission, if any, and stops the issuer.
func (w *Waldo) Stop() {
	w.issuer.Stop()
	if err := w.queue.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close queue client")
	}
}

func (w *Waldo) Config() *config.Configuration {
	return w.config
}

func (w *Waldo) Bonus() *BonusTierTable {
	return w.bonus
}

func (w *Waldo) Status() *StatusFeed {
	return w.status
}

func (w *Waldo) DataSource() database.IDataSource {
	return w.datasource
}

func (w *Waldo) Queue() *Queue {
	return w.queue
}
