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

	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/internal/metrics"
	"github.com/waldocoin/waldo/model"
)

type auditStore interface {
	RecordAudit(ctx context.Context, entry *model.AuditEntry) error
}

// OutcomeSink receives every audit entry after it has been written. Sinks are best effort.
type OutcomeSink interface {
	Name() string
	Publish(ctx context.Context, entry model.AuditEntry) error
}

// Auditor appends to the audit log and fans the entry out to operator facing sinks. It never
// fails the caller: a lost entry is logged, counted and escalated instead.
type Auditor struct {
	store  auditStore
	notify func(title string, err error, fields map[string]string)

	mu    sync.RWMutex
	sinks []OutcomeSink
}

func NewAuditor(store auditStore, sinks ...OutcomeSink) *Auditor {
	return &Auditor{store: store, notify: notifyOperator, sinks: sinks}
}

func (a *Auditor) AddSink(sink OutcomeSink) {
	a.mu.Lock()
	a.sinks = append(a.sinks, sink)
	a.mu.Unlock()
}

func (a *Auditor) Record(ctx context.Context, entry *model.AuditEntry) {
	ctx, span := tracer.Start(ctx, "Recording audit entry")
	defer span.End()

	if err := a.store.RecordAudit(ctx, entry); err != nil {
		span.RecordError(err)
		metrics.AuditFailuresTotal.Inc()
		a.notify("Audit Log Write Failed", err, map[string]string{
			"source_tx_id": entry.SourceTxID,
			"outcome":      entry.Outcome,
			"reward_tx_id": entry.RewardTxID,
		})
	}

	a.mu.RLock()
	sinks := a.sinks
	a.mu.RUnlock()
	for _, sink := range sinks {
		if err := sink.Publish(ctx, *entry); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"sink":         sink.Name(),
				"source_tx_id": entry.SourceTxID,
			}).Warn("failed to publish outcome")
		}
	}
}

// PostHogSink captures outcomes as analytics events.
type PostHogSink struct {
	client     posthog.Client
	distinctID string
}

func NewPostHogSink(client posthog.Client, distinctID string) *PostHogSink {
	return &PostHogSink{client: client, distinctID: distinctID}
}

func (p *PostHogSink) Name() string {
	return "posthog"
}

func (p *PostHogSink) Publish(_ context.Context, entry model.AuditEntry) error {
	if p.client == nil {
		return nil
	}
	return p.client.Enqueue(posthog.Capture{
		DistinctId: p.distinctID,
		Event:      fmt.Sprintf("reward_%s", outcomeEvent(entry.Outcome)),
		Properties: map[string]interface{}{
			"source_tx_id":  entry.SourceTxID,
			"input_amount":  entry.InputAmount.String(),
			"reward_amount": entry.RewardAmount.String(),
			"applied_rate":  entry.AppliedRate.String(),
			"attempt":       entry.Attempt,
		},
	})
}
