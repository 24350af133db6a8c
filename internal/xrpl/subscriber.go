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
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateReconnecting State = "reconnecting"
)

// AllStates lists every subscriber state, in lifecycle order.
var AllStates = []State{StateDisconnected, StateConnecting, StateSubscribed, StateReconnecting}

const subscribeRequestID = "waldo-subscribe"

type SubscriberOption func(*LedgerSubscriber)

// WithStateCallback registers fn to be called on every state change. It runs on the
// subscriber goroutine and must not block.
func WithStateCallback(fn func(State)) SubscriberOption {
	return func(s *LedgerSubscriber) {
		s.onState = fn
	}
}

func WithMaxBackoff(d time.Duration) SubscriberOption {
	return func(s *LedgerSubscriber) {
		if d > 0 {
			s.maxBackoff = d
		}
	}
}

func WithPingInterval(d time.Duration) SubscriberOption {
	return func(s *LedgerSubscriber) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

func WithInitialBackoff(d time.Duration) SubscriberOption {
	return func(s *LedgerSubscriber) {
		if d > 0 {
			s.initialBackoff = d
		}
	}
}

// LedgerSubscriber keeps an account subscription open and re-subscribes after every
// reconnect. Events may repeat across reconnects; consumers deduplicate.
type LedgerSubscriber struct {
	url            string
	accounts       []string
	dialer         *websocket.Dialer
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pingInterval   time.Duration
	onState        func(State)

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLedgerSubscriber(url string, accounts []string, opts ...SubscriberOption) *LedgerSubscriber {
	s := &LedgerSubscriber{
		url:            url,
		accounts:       accounts,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		initialBackoff: time.Second,
		maxBackoff:     time.Minute,
		pingInterval:   30 * time.Second,
		state:          StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerSubscriber) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *LedgerSubscriber) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		logrus.WithField("state", state).Info("ledger subscriber state changed")
		if s.onState != nil {
			s.onState(state)
		}
	}
}

// Start begins streaming. The returned channel is closed once the subscriber has stopped,
// either through Stop or through cancellation of ctx.
func (s *LedgerSubscriber) Start(ctx context.Context) <-chan RawTxEvent {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan RawTxEvent, 256)

	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer close(events)
		s.run(ctx, events)
		s.setState(StateDisconnected)
	}()
	return events
}

// Stop cancels the subscription and waits for the stream goroutine to exit.
func (s *LedgerSubscriber) Stop() {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *LedgerSubscriber) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *LedgerSubscriber) run(ctx context.Context, events chan<- RawTxEvent) {
	b := s.newBackoff()
	s.setState(StateConnecting)

	for {
		subscribed, err := s.session(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			b.Reset()
		}

		wait := b.NextBackOff()
		logrus.WithError(err).WithField("retry_in", wait.String()).Warn("ledger subscription lost, reconnecting")
		s.setState(StateReconnecting)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to failure. subscribed reports whether the
// subscription was acknowledged before the connection ended.
func (s *LedgerSubscriber) session(ctx context.Context, events chan<- RawTxEvent) (subscribed bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-sessionDone:
		}
	}()

	readTimeout := 2 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if err := conn.WriteJSON(map[string]interface{}{
		"id":       subscribeRequestID,
		"command":  "subscribe",
		"accounts": s.accounts,
	}); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}

	go s.keepAlive(conn, sessionDone)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return subscribed, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		msg := gjson.ParseBytes(message)
		if msg.Get("id").String() == subscribeRequestID {
			if msg.Get("status").String() != "success" {
				return false, fmt.Errorf("subscribe rejected: %s", msg.Get("error").String())
			}
			subscribed = true
			s.setState(StateSubscribed)
			continue
		}

		if msg.Get("type").String() != "transaction" {
			continue
		}

		evt, err := ParseTxEvent(message)
		if err != nil {
			logrus.WithError(err).Debug("skipping malformed transaction message")
			continue
		}

		select {
		case events <- evt:
		case <-ctx.Done():
			return subscribed, ctx.Err()
		}
	}
}

// keepAlive pings the node so a silent connection trips the read deadline. WriteControl is
// safe to call alongside the reader.
func (s *LedgerSubscriber) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
