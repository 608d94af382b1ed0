// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

const (
	workerName          = "audit-worker"
	defaultMaxBatchSize = 100
	defaultFlushPeriod  = time.Second
)

// Sink is where drained event batches end up: structured logs by default,
// or the handoff point to an external trace consumer.
type Sink interface {
	Record(ctx context.Context, events []Event) error
}

// LogSink writes every event as one structured log line.
type LogSink struct {
	Logger logr.Logger
}

func (s LogSink) Record(_ context.Context, events []Event) error {
	for _, ev := range events {
		s.Logger.Info("audit event",
			"id", ev.ID, "type", ev.Type, "activity", ev.Activity, "op", ev.Op, "detail", ev.Detail)
	}
	return nil
}

type eventsBatch struct {
	events []Event
	id     uint64
}

var batchCounter uint64

func newEventsBatch(events []Event) *eventsBatch {
	return &eventsBatch{
		events: events,
		id:     atomic.AddUint64(&batchCounter, 1),
	}
}

// Worker drains a Ledger subscription through a rate-limited queue into a
// Sink, batching events to bound the per-event overhead.
type Worker struct {
	ledger *Ledger
	sink   Sink
	logger logr.Logger
	queue  workqueue.TypedRateLimitingInterface[*eventsBatch]
	batch  *eventsBatch
	mu     sync.Mutex

	// configurable options
	maxBatchSize int
	flushPeriod  time.Duration
}

type WorkerOpts func(*Worker)

func WithLogger(logger logr.Logger) WorkerOpts {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithSink(sink Sink) WorkerOpts {
	return func(w *Worker) {
		w.sink = sink
	}
}

func WithMaxBatchSize(size int) WorkerOpts {
	return func(w *Worker) {
		w.maxBatchSize = size
	}
}

func WithFlushPeriod(period time.Duration) WorkerOpts {
	return func(w *Worker) {
		w.flushPeriod = period
	}
}

func NewWorker(ledger *Ledger, opts ...WorkerOpts) (*Worker, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger can't be nil")
	}

	ratelimiter := workqueue.DefaultTypedControllerRateLimiter[*eventsBatch]()
	queue := workqueue.NewTypedRateLimitingQueueWithConfig(ratelimiter,
		workqueue.TypedRateLimitingQueueConfig[*eventsBatch]{
			Name: workerName,
		},
	)

	w := &Worker{
		ledger:       ledger,
		queue:        queue,
		batch:        newEventsBatch(nil),
		maxBatchSize: defaultMaxBatchSize,
		flushPeriod:  defaultFlushPeriod,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.sink == nil {
		w.sink = LogSink{Logger: w.logger}
	}
	return w, nil
}

func (w *Worker) flushBatch() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.batch.events) == 0 {
		return
	}

	w.queue.AddRateLimited(w.batch)
	w.batch = newEventsBatch(nil)
}

// Start consumes the ledger subscription until ctx is done or the ledger
// closes, then drains what is queued and returns.
func (w *Worker) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.drainer(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.batchFlusher(ctx)
	}()

	events := w.ledger.Subscribe()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			w.mu.Lock()
			w.batch.events = append(w.batch.events, ev)
			shouldFlush := len(w.batch.events) >= w.maxBatchSize
			w.mu.Unlock()

			if shouldFlush {
				w.flushBatch()
			}
		}
	}

	w.logger.Info("shutting down audit worker")
	w.flushBatch()
	w.queue.ShutDownWithDrain()
	wg.Wait()
	return nil
}

func (w *Worker) batchFlusher(ctx context.Context) {
	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushBatch()
		}
	}
}

func (w *Worker) drainer(ctx context.Context) {
	for {
		batch, shutdown := w.queue.Get()
		if shutdown {
			return
		}
		w.record(ctx, batch)
	}
}

func (w *Worker) record(ctx context.Context, batch *eventsBatch) {
	defer w.queue.Done(batch)

	_, err := backoff.Retry(ctx, func() (bool, error) {
		if err := w.sink.Record(ctx, batch.events); err != nil {
			w.logger.Error(err, "failed to record audit batch, retrying...", "batch", batch.id)
			return false, err
		}
		return true, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))

	if err != nil {
		w.logger.Error(err, "dropping audit batch", "batch", batch.id, "events", len(batch.events))
		w.queue.Forget(batch)
		return
	}
	w.queue.Forget(batch)
}
