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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubscriberState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waldo_subscriber_state",
			Help: "1 for the current state of the ledger subscriber, 0 otherwise",
		},
		[]string{"state"},
	)

	SubscriberReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waldo_subscriber_reconnects_total",
			Help: "Total number of ledger subscription reconnect attempts",
		},
	)

	BackfilledEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waldo_backfilled_events_total",
			Help: "Total number of account history transactions replayed after a resubscribe",
		},
	)

	EventsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waldo_events_received_total",
			Help: "Total number of transaction notifications received from the ledger",
		},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldo_events_dropped_total",
			Help: "Total number of notifications that did not qualify as incoming payments",
		},
		[]string{"reason"},
	)

	PaymentsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldo_payments_enqueued_total",
			Help: "Total number of qualifying payments handed to the work queue",
		},
		[]string{"status"},
	)

	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waldo_duplicates_total",
			Help: "Total number of payments absorbed by the claim step",
		},
	)

	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldo_outcomes_total",
			Help: "Total number of processing outcomes by status",
		},
		[]string{"status"},
	)

	EligibilityChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldo_eligibility_checks_total",
			Help: "Total number of trust line checks",
		},
		[]string{"result"},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldo_submissions_total",
			Help: "Total number of signed reward submissions by engine result class",
		},
		[]string{"class"},
	)

	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waldo_submission_duration_seconds",
			Help:    "Time from building a reward payment to its final outcome",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
		},
	)

	SignerLockLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waldo_signer_lock_lost_total",
			Help: "Submission cycles abandoned because the signer lock could not be renewed",
		},
	)

	IssuedRewardTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waldo_issued_reward_tokens_total",
			Help: "Total reward tokens issued",
		},
	)

	AuditFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waldo_audit_failures_total",
			Help: "Total number of audit entries that could not be written",
		},
	)

	ReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waldo_reconciled_total",
			Help: "Total number of records handled by reconciliation passes",
		},
		[]string{"action"},
	)

	ManualReviewTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waldo_manual_review_total",
			Help: "Total number of records escalated for manual review",
		},
	)
)

// SetSubscriberState marks state as the only active subscriber state.
func SetSubscriberState(state string, all []string) {
	for _, s := range all {
		if s == state {
			SubscriberState.WithLabelValues(s).Set(1)
		} else {
			SubscriberState.WithLabelValues(s).Set(0)
		}
	}
}
