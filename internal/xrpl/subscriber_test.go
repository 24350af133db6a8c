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

package xrpl

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func txMessage(hash string) string {
	return `{"type":"transaction","validated":true,"ledger_index":10,"hash":"` + hash + `",
		"meta":{"TransactionResult":"tesSUCCESS","delivered_amount":"1000000"},
		"tx_json":{"TransactionType":"Payment","Account":"rPayer","Destination":"rWatched","DeliverMax":"1000000"}}`
}

// flakyStream acks every subscription, sends one transaction per connection and then drops
// every connection but the last.
type flakyStream struct {
	connections atomic.Int32
	drops       int32
	subscribed  chan []string
}

func (f *flakyStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := f.connections.Add(1)

	_, message, err := conn.ReadMessage()
	if err != nil {
		return
	}
	req := gjson.ParseBytes(message)
	accounts := []string{}
	req.Get("accounts").ForEach(func(_, v gjson.Result) bool {
		accounts = append(accounts, v.String())
		return true
	})
	f.subscribed <- accounts

	ack := `{"id":"` + req.Get("id").String() + `","status":"success","type":"response","result":{}}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(ack))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ledgerClosed","ledger_index":10}`))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(txMessage(string(rune('A'+n-1)))))

	if n <= f.drops {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestLedgerSubscriber_ReconnectsAndResubscribes(t *testing.T) {
	stream := &flakyStream{drops: 1, subscribed: make(chan []string, 4)}
	url := startFakeNode(t, stream)

	var mu sync.Mutex
	var states []State
	sub := NewLedgerSubscriber(url, []string{"rWatched"},
		WithInitialBackoff(10*time.Millisecond),
		WithMaxBackoff(50*time.Millisecond),
		WithStateCallback(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}),
	)

	events := sub.Start(context.Background())

	first := <-events
	second := <-events
	assert.Equal(t, "A", first.Hash)
	assert.Equal(t, "B", second.Hash)
	assert.Equal(t, "rWatched", first.Destination)

	assert.Equal(t, []string{"rWatched"}, <-stream.subscribed)
	assert.Equal(t, []string{"rWatched"}, <-stream.subscribed)
	assert.Equal(t, int32(2), stream.connections.Load())

	sub.Stop()
	_, open := <-events
	assert.False(t, open)
	assert.Equal(t, StateDisconnected, sub.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateSubscribed, StateReconnecting, StateSubscribed, StateDisconnected}, states)
}

func TestLedgerSubscriber_StopsOnContextCancel(t *testing.T) {
	sub := NewLedgerSubscriber("ws://127.0.0.1:1", []string{"rWatched"},
		WithInitialBackoff(10*time.Millisecond),
		WithMaxBackoff(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	events := sub.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case _, open := <-events:
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.Equal(t, StateDisconnected, sub.State())
}
