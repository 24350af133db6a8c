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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/internal/cache"
	"github.com/waldocoin/waldo/internal/metrics"
	"github.com/waldocoin/waldo/internal/xrpl"
)

// ErrEligibilityUnavailable means the ledger could not be asked. It is never an answer.
var ErrEligibilityUnavailable = errors.New("eligibility check unavailable")

type Eligibility struct {
	Eligible bool            `json:"eligible"`
	Headroom decimal.Decimal `json:"headroom"`
	Reason   string          `json:"reason,omitempty"`
}

type trustLineSource interface {
	AccountLines(ctx context.Context, account, peer string) ([]xrpl.TrustLine, error)
}

// EligibilityChecker decides whether an account can receive the reward token.
type EligibilityChecker struct {
	ledger     trustLineSource
	cache      cache.Cache
	cacheTTL   time.Duration
	tokenCode  string
	issuer     string
	retries    uint64
	newBackOff func() backoff.BackOff
}

func NewEligibilityChecker(ledger trustLineSource, c cache.Cache, cfg config.DistributorConfig) *EligibilityChecker {
	retries := cfg.EligibilityRetries
	if retries < 0 {
		retries = 0
	}
	return &EligibilityChecker{
		ledger:     ledger,
		cache:      c,
		cacheTTL:   time.Duration(cfg.EligibilityCacheSec) * time.Second,
		tokenCode:  cfg.TokenCode,
		issuer:     cfg.TokenIssuer,
		retries:    uint64(retries),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func eligibilityCacheKey(account string) string {
	return fmt.Sprintf("waldo:eligibility:%s", account)
}

// Check looks for a usable trust line from account to the token issuer. A missing account is
// a final "no"; transport failures are retried and then reported as ErrEligibilityUnavailable.
func (e *EligibilityChecker) Check(ctx context.Context, account string) (Eligibility, error) {
	ctx, span := tracer.Start(ctx, "Checking trust line")
	defer span.End()

	if e.cache != nil {
		var cached Eligibility
		if err := e.cache.Get(ctx, eligibilityCacheKey(account), &cached); err == nil && cached.Eligible {
			metrics.EligibilityChecksTotal.WithLabelValues("cached").Inc()
			return cached, nil
		}
	}

	var lines []xrpl.TrustLine
	operation := func() error {
		var err error
		lines, err = e.ledger.AccountLines(ctx, account, e.issuer)
		if xrpl.IsRPCError(err, "actNotFound") {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithError(err).WithField("account", account).Warnf("trust line lookup failed, retrying in %s", wait)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.retries), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if xrpl.IsRPCError(err, "actNotFound") {
			metrics.EligibilityChecksTotal.WithLabelValues("ineligible").Inc()
			return Eligibility{Reason: "account not found"}, nil
		}
		span.RecordError(err)
		metrics.EligibilityChecksTotal.WithLabelValues("unavailable").Inc()
		return Eligibility{}, fmt.Errorf("%w: %v", ErrEligibilityUnavailable, err)
	}

	result := e.evaluate(lines)
	if !result.Eligible {
		metrics.EligibilityChecksTotal.WithLabelValues("ineligible").Inc()
		return result, nil
	}

	metrics.EligibilityChecksTotal.WithLabelValues("eligible").Inc()
	if e.cache != nil && e.cacheTTL > 0 {
		if err := e.cache.Set(ctx, eligibilityCacheKey(account), result, e.cacheTTL); err != nil {
			logrus.WithError(err).Debug("failed to cache eligibility")
		}
	}
	return result, nil
}

// Forget drops the cached answer for account. A reward that may have been delivered uses up
// trust line headroom, so the next check has to read the line again.
func (e *EligibilityChecker) Forget(ctx context.Context, account string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, eligibilityCacheKey(account)); err != nil {
		logrus.WithError(err).WithField("account", account).Warn("failed to drop cached eligibility")
	}
}

func (e *EligibilityChecker) evaluate(lines []xrpl.TrustLine) Eligibility {
	for _, line := range lines {
		if line.Account != e.issuer || !xrpl.SameCurrency(line.Currency, e.tokenCode) {
			continue
		}
		if line.Freeze || line.FreezePeer {
			return Eligibility{Reason: "trust line is frozen"}
		}
		headroom := line.Headroom()
		if !headroom.IsPositive() {
			return Eligibility{Headroom: headroom, Reason: "trust line limit reached"}
		}
		return Eligibility{Eligible: true, Headroom: headroom}
	}
	return Eligibility{Reason: fmt.Sprintf("no %s trust line to %s", e.tokenCode, e.issuer)}
}
