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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/waldocoin/waldo/config"
	redis_db "github.com/waldocoin/waldo/internal/redis-db"
	"github.com/waldocoin/waldo/model"
)

// taskRetention keeps finished payment tasks around so their TaskID keeps rejecting
// re-enqueues of the same source transaction for a while.
const taskRetention = 24 * time.Hour

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Queue hands qualifying payments and webhooks to asynq.
type Queue struct {
	Client    enqueuer
	Inspector *asynq.Inspector
	config    *config.Configuration
}

// PaymentTaskPayload is the body of a payment:process task.
type PaymentTaskPayload struct {
	Payment model.IncomingPayment `json:"payment"`
}

func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqOpt(conf.Redis)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		config:    conf,
	}, nil
}

// NewQueueWithClient builds a queue around an existing client. The inspector is left nil.
func NewQueueWithClient(client enqueuer, conf *config.Configuration) *Queue {
	return &Queue{Client: client, config: conf}
}

func (q *Queue) Close() error {
	var err error
	if q.Client != nil {
		err = q.Client.Close()
	}
	if q.Inspector != nil {
		if cerr := q.Inspector.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// paymentTaskID is the source tx id for the first enqueue. Re-enqueues after a failed attempt
// carry the attempt number so they do not collide with the retained original.
func paymentTaskID(sourceTxID string, attempts int) string {
	if attempts == 0 {
		return sourceTxID
	}
	return fmt.Sprintf("%s:r%d", sourceTxID, attempts)
}

// EnqueuePayment schedules processing of a payment. A task with the same id already queued or
// retained is not an error: the payment is already on its way.
func (q *Queue) EnqueuePayment(ctx context.Context, payment model.IncomingPayment, attempts int, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Enqueueing payment")
	defer span.End()

	payload, err := json.Marshal(PaymentTaskPayload{Payment: payment})
	if err != nil {
		return err
	}

	taskQueue := q.config.Queue.PaymentQueue
	opts := []asynq.Option{
		asynq.TaskID(paymentTaskID(payment.SourceTxID, attempts)),
		asynq.Queue(taskQueue),
		asynq.MaxRetry(q.config.Distributor.MaxAttempts),
		asynq.Retention(taskRetention),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	_, err = q.Client.EnqueueContext(ctx, asynq.NewTask(taskQueue, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.WithField("source_tx_id", payment.SourceTxID).Debug("payment task already queued")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to enqueue payment %s: %w", payment.SourceTxID, err)
	}
	logrus.WithField("source_tx_id", payment.SourceTxID).Info("payment queued")
	return nil
}

// RetryDelay is the asynq retry delay: exponential from the configured base up to the
// configured cap, with jitter.
func RetryDelay(cfg config.DistributorConfig) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Duration(cfg.RetryBackoffSec) * time.Second
		b.MaxInterval = time.Duration(cfg.MaxRetryBackoffSec) * time.Second
		b.MaxElapsedTime = 0
		b.Reset()

		delay := b.NextBackOff()
		for i := 0; i < n; i++ {
			delay = b.NextBackOff()
		}
		return delay
	}
}
