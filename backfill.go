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

	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/internal/metrics"
)

// Backfill replays the watched account's history from the last ledger the stream delivered,
// so that payments validated while the subscription was down are still claimed. Replayed
// events go through HandleEvent and are deduplicated like live ones. It returns how many
// events were handed on. A run that starts while another is in progress does nothing.
func (w *Waldo) Backfill(ctx context.Context) (int, error) {
	if !w.backfillMu.TryLock() {
		return 0, nil
	}
	defer w.backfillMu.Unlock()

	ctx, span := tracer.Start(ctx, "Backfilling account history")
	defer span.End()

	account := w.config.Distributor.WatchedAccount
	from := w.status.LastLedger()
	if from == 0 {
		logrus.Debug("no stream position yet, nothing to backfill")
		return 0, nil
	}

	events, err := w.ledger.AccountTx(ctx, account, from, 0)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("account history from ledger %d: %w", from, err)
	}

	handled := 0
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if err := w.HandleEvent(ctx, evt); err != nil {
			return handled, err
		}
		handled++
	}
	metrics.BackfilledEventsTotal.Add(float64(handled))

	logrus.WithFields(logrus.Fields{
		"account":     account,
		"from_ledger": from,
		"events":      handled,
	}).Info("account history replayed after resubscribe")
	return handled, nil
}
