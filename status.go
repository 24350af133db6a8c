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
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/waldocoin/waldo/model"
)

const (
	StatusKey       = "waldo:autodistribute:status"
	StatusEventsKey = "waldo:autodistribute:events"
)

// StatusReport is what operators see on the status endpoint.
type StatusReport struct {
	Subscriber model.SubscriberStatus `json:"subscriber"`
	Events     []model.StatusEvent    `json:"events"`
}

// StatusFeed keeps a small operator view of the distributor in Redis: the subscriber state
// under one key and the most recent outcomes in a capped list.
type StatusFeed struct {
	client redis.UniversalClient
	size   int64

	mu      sync.Mutex
	current model.SubscriberStatus
}

func NewStatusFeed(client redis.UniversalClient, watched string, size int64) *StatusFeed {
	if size <= 0 {
		size = 50
	}
	return &StatusFeed{
		client:  client,
		size:    size,
		current: model.SubscriberStatus{State: "disconnected", WatchedAccount: watched},
	}
}

func (s *StatusFeed) SetSubscriberState(ctx context.Context, state string) error {
	s.mu.Lock()
	s.current.State = state
	s.current.UpdatedAt = time.Now().UTC()
	snapshot := s.current
	s.mu.Unlock()
	return s.save(ctx, snapshot)
}

// MarkEvent records that a notification from ledger was received.
func (s *StatusFeed) MarkEvent(ctx context.Context, ledger uint32) error {
	s.mu.Lock()
	now := time.Now().UTC()
	s.current.LastEventAt = now
	if ledger > s.current.LastLedger {
		s.current.LastLedger = ledger
	}
	s.current.UpdatedAt = now
	snapshot := s.current
	s.mu.Unlock()
	return s.save(ctx, snapshot)
}

// LastLedger is the highest ledger a notification was received from.
func (s *StatusFeed) LastLedger() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.LastLedger
}

// Restore picks the stream position up from the stored status so that it survives a restart.
func (s *StatusFeed) Restore(ctx context.Context) error {
	raw, err := s.client.Get(ctx, StatusKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	var stored model.SubscriberStatus
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("invalid subscriber status: %w", err)
	}
	if stored.WatchedAccount != "" && stored.WatchedAccount != s.current.WatchedAccount {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stored.LastLedger > s.current.LastLedger {
		s.current.LastLedger = stored.LastLedger
		s.current.LastEventAt = stored.LastEventAt
	}
	return nil
}

func (s *StatusFeed) save(ctx context.Context, status model.SubscriberStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, StatusKey, data, 0).Err()
}

// Name identifies the feed among audit sinks.
func (s *StatusFeed) Name() string {
	return "status_feed"
}

// Publish pushes an outcome summary onto the recent events list.
func (s *StatusFeed) Publish(ctx context.Context, entry model.AuditEntry) error {
	event := model.StatusEvent{
		SourceTxID: entry.SourceTxID,
		Payer:      entry.Payer,
		Outcome:    entry.Outcome,
		RewardTxID: entry.RewardTxID,
		Message:    entry.Message,
		Time:       time.Now().UTC(),
	}
	if entry.Outcome == model.StatusIssued {
		event.RewardAmount = entry.RewardAmount.String()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, StatusEventsKey, data)
	pipe.LTrim(ctx, StatusEventsKey, 0, s.size-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *StatusFeed) Report(ctx context.Context) (StatusReport, error) {
	report := StatusReport{Events: []model.StatusEvent{}}

	raw, err := s.client.Get(ctx, StatusKey).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		s.mu.Lock()
		report.Subscriber = s.current
		s.mu.Unlock()
	case err != nil:
		return report, err
	default:
		if err := json.Unmarshal(raw, &report.Subscriber); err != nil {
			return report, fmt.Errorf("invalid subscriber status: %w", err)
		}
	}

	items, err := s.client.LRange(ctx, StatusEventsKey, 0, s.size-1).Result()
	if err != nil {
		return report, err
	}
	for _, item := range items {
		var event model.StatusEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		report.Events = append(report.Events, event)
	}
	return report, nil
}
