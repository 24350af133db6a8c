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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waldocoin/waldo/internal/xrpl"
	"github.com/waldocoin/waldo/model"
)

func historyEvent(ledger uint32) xrpl.RawTxEvent {
	evt := streamEvent(randomHash(), "300000000")
	evt.LedgerIndex = ledger
	return evt
}

func TestBackfill_ReplaysPaymentsMissedDuringReconnect(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	live := streamEvent(randomHash(), "300000000")
	require.NoError(t, h.waldo.HandleEvent(ctx, live))

	missed := []xrpl.RawTxEvent{historyEvent(1005), historyEvent(1010)}
	h.ledger.set(func(l *fakeLedger) {
		l.history = append([]xrpl.RawTxEvent{live}, missed...)
	})

	handled, err := h.waldo.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, handled)
	assert.Equal(t, []uint32{999}, h.ledger.historyFrom)
	assert.ElementsMatch(t, []string{live.Hash, missed[0].Hash, missed[1].Hash}, h.queue.taskIDs(),
		"the payment already seen on the stream is not queued twice")
	assert.Equal(t, uint32(1010), h.waldo.Status().LastLedger())
}

func TestBackfill_NoPositionNoReplay(t *testing.T) {
	h := newTestHarness(t)

	handled, err := h.waldo.Backfill(context.Background())
	require.NoError(t, err)
	assert.Zero(t, handled)
	assert.Empty(t, h.ledger.historyFrom)
}

func TestBackfill_ResumesFromStoredPosition(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	stored, err := json.Marshal(model.SubscriberStatus{State: "subscribed", WatchedAccount: testDistributor, LastLedger: 1200})
	require.NoError(t, err)
	require.NoError(t, h.redis.Set(StatusKey, string(stored)))
	require.NoError(t, h.waldo.Status().Restore(ctx))

	missed := historyEvent(1201)
	h.ledger.set(func(l *fakeLedger) { l.history = []xrpl.RawTxEvent{missed} })

	handled, err := h.waldo.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []uint32{1200}, h.ledger.historyFrom)
	assert.Equal(t, []string{missed.Hash}, h.queue.taskIDs())
}

func TestBackfill_IgnoresPositionOfAnotherAccount(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	stored, err := json.Marshal(model.SubscriberStatus{WatchedAccount: "rSomeoneElse", LastLedger: 1200})
	require.NoError(t, err)
	require.NoError(t, h.redis.Set(StatusKey, string(stored)))
	require.NoError(t, h.waldo.Status().Restore(ctx))

	assert.Zero(t, h.waldo.Status().LastLedger())
}

func TestBackfill_HistoryFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.waldo.HandleEvent(ctx, streamEvent(randomHash(), "300000000")))
	h.ledger.set(func(l *fakeLedger) { l.historyErr = errors.New("websocket: close 1006") })

	_, err := h.waldo.Backfill(ctx)
	assert.ErrorContains(t, err, "account history from ledger 999")
}
