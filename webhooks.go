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
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/internal/request"
	"github.com/waldocoin/waldo/model"
)

// NewWebhook is the body posted to the configured webhook URL.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

func outcomeEvent(status string) string {
	switch status {
	case model.StatusIssued:
		return "issued"
	case model.StatusIneligible:
		return "ineligible"
	case model.StatusFailedTerminal, model.StatusFailedTransient:
		return "failed"
	default:
		return "unknown"
	}
}

func getEventFromOutcome(status string) string {
	return "reward." + outcomeEvent(status)
}

// WebhookSink queues an outbound webhook for every audited outcome.
type WebhookSink struct {
	queue *Queue
}

func NewWebhookSink(queue *Queue) *WebhookSink {
	return &WebhookSink{queue: queue}
}

func (w *WebhookSink) Name() string {
	return "webhook"
}

func (w *WebhookSink) Publish(ctx context.Context, entry model.AuditEntry) error {
	return w.queue.SendWebhook(ctx, NewWebhook{Event: getEventFromOutcome(entry.Outcome), Payload: entry})
}

// SendWebhook enqueues a webhook delivery. It is a no-op when no webhook URL is configured.
func (q *Queue) SendWebhook(ctx context.Context, newWebhook NewWebhook) error {
	if q.config.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.config.Queue.WebhookQueue, payload, asynq.Queue(q.config.Queue.WebhookQueue), asynq.MaxRetry(5))
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue webhook: %w", err)
	}
	return nil
}

func processHTTP(conf *config.Configuration, data NewWebhook) error {
	payload, err := request.ToJsonReq(data)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, conf.Notification.Webhook.Url, payload)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	_, err = request.Call(req, nil)
	return err
}

// ProcessWebhook delivers a queued webhook. Errors make asynq retry the delivery.
func ProcessWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling webhook payload: %v", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	logrus.WithField("event", payload.Event).Debug("delivering webhook")
	return processHTTP(conf, payload)
}
