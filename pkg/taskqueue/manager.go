// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package taskqueue composes a WorkQueue, IdempotencyStore, RetryPolicy
// and DeadLetterStore into the TaskQueueManager described in spec §4.3:
// enqueue/lease/ack/nack plus the retry-then-dead-letter decision on
// failure. Metric instrument names and shape follow the teacher's
// MetricsCollector (internal/tracing/metrics.go), generalized from
// workflow-run counters to task-queue counters.
package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/tracemind/pkg/deadletter"
	"github.com/tombee/tracemind/pkg/idempotency"
	"github.com/tombee/tracemind/pkg/retry"
	"github.com/tombee/tracemind/pkg/workqueue"
)

// Metrics holds the OTel instruments a Manager emits to. Field naming
// mirrors the teacher's MetricsCollector convention of one struct field
// per instrument.
type Metrics struct {
	enqueuedTotal    metric.Int64Counter
	retriesTotal     metric.Int64Counter
	redeliveredTotal metric.Int64Counter
	dlqTotal         metric.Int64Counter
	queueDepth       metric.Int64ObservableGauge
	queueInflight    metric.Int64ObservableGauge
}

// NewMetrics builds a Metrics bound to meterProvider, wiring the two
// observable gauges to poll wq for live depth/inflight counts.
func NewMetrics(meterProvider metric.MeterProvider, wq workqueue.WorkQueue) (*Metrics, error) {
	meter := meterProvider.Meter("tracemind")
	m := &Metrics{}
	var err error

	m.enqueuedTotal, err = meter.Int64Counter(
		"tracemind_queue_enqueued_total",
		metric.WithDescription("Total number of tasks enqueued"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.retriesTotal, err = meter.Int64Counter(
		"tracemind_retries_total",
		metric.WithDescription("Total number of task retry attempts scheduled"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.redeliveredTotal, err = meter.Int64Counter(
		"tracemind_queue_redelivered_total",
		metric.WithDescription("Total number of tasks requeued for redelivery after a failed attempt"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.dlqTotal, err = meter.Int64Counter(
		"tracemind_dlq_total",
		metric.WithDescription("Total number of tasks routed to the dead letter store"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.queueDepth, err = meter.Int64ObservableGauge(
		"tracemind_queue_depth",
		metric.WithDescription("Number of tasks currently pending"),
		metric.WithUnit("{task}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(wq.PendingCount()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	m.queueInflight, err = meter.Int64ObservableGauge(
		"tracemind_queue_inflight",
		metric.WithDescription("Number of tasks currently leased"),
		metric.WithUnit("{task}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(wq.InflightCount()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Manager is the TaskQueueManager: it wraps a WorkQueue with
// idempotency dedup, retry/backoff decisioning, and dead-letter
// routing.
type Manager struct {
	wq         workqueue.WorkQueue
	idemp      *idempotency.Store
	retryer    *retry.Policy
	dlq        *deadletter.Store
	metrics    *Metrics
	visibility time.Duration

	mu       sync.Mutex
	inflight map[string]bool // composite keys enqueued but not yet terminal
}

// Config configures a Manager.
type Config struct {
	WorkQueue       workqueue.WorkQueue
	Idempotency     *idempotency.Store // nil disables dedup
	Retry           *retry.Policy
	DeadLetter      *deadletter.Store // nil disables DLQ routing; failed tasks are simply dropped
	Metrics         *Metrics          // nil disables metric emission
	LeaseVisibility time.Duration
}

// New constructs a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.WorkQueue == nil {
		return nil, fmt.Errorf("taskqueue: WorkQueue is required")
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New(retry.DefaultFlowConfig())
	}
	if cfg.LeaseVisibility <= 0 {
		cfg.LeaseVisibility = 30 * time.Second
	}
	return &Manager{
		wq:         cfg.WorkQueue,
		idemp:      cfg.Idempotency,
		retryer:    cfg.Retry,
		dlq:        cfg.DeadLetter,
		metrics:    cfg.Metrics,
		visibility: cfg.LeaseVisibility,
		inflight:   make(map[string]bool),
	}, nil
}

// EnqueueResult reports whether Enqueue actually queued new work or
// short-circuited. A Deduped result with a zero Cached value means the
// key's first enqueue is still in flight and has produced no result
// yet.
type EnqueueResult struct {
	TaskID  string
	Queued  bool
	Deduped bool
	Cached  idempotency.Result
}

// Enqueue wraps input in an Envelope and puts it on the queue under
// flowID — unless the envelope's composite key names a still-live
// cached result (the cached result is returned instead of enqueuing
// new work) or an identical key is already in flight (nothing is
// enqueued and no result is available yet).
func (m *Manager) Enqueue(ctx context.Context, flowID string, input map[string]any, headers map[string]string, trace map[string]any) (EnqueueResult, error) {
	env := NewEnvelope(flowID, input, headers, trace)
	key := env.CompositeKey()

	if env.IdempotencyKey() != "" {
		if m.idemp != nil {
			if cached, ok := m.idemp.Get(key); ok {
				return EnqueueResult{Deduped: true, Cached: cached}, nil
			}
		}
		m.mu.Lock()
		if m.inflight[key] {
			m.mu.Unlock()
			return EnqueueResult{Deduped: true}, nil
		}
		m.inflight[key] = true
		m.mu.Unlock()
	}

	taskID, err := m.wq.Put(env.Payload())
	if err != nil {
		m.clearInflight(key)
		return EnqueueResult{}, fmt.Errorf("taskqueue: enqueue: %w", err)
	}
	if m.metrics != nil {
		m.metrics.enqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flowID)))
	}
	return EnqueueResult{TaskID: taskID, Queued: true}, nil
}

func (m *Manager) clearInflight(key string) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

// Lease checks out the next available task.
func (m *Manager) Lease(ctx context.Context) (*workqueue.LeasedTask, error) {
	return m.wq.Lease(ctx, m.visibility)
}

// Ack permanently completes a leased task and, if it carries an
// idempotency key, remembers its result for future Enqueue dedup. Only
// this success path updates the cache: a failed attempt never pollutes
// it.
func (m *Manager) Ack(ctx context.Context, leased *workqueue.LeasedTask, status string, output map[string]any, idempotencyTTL time.Duration) error {
	env, err := EnvelopeFromPayload(leased.Payload)
	if err != nil {
		return err
	}
	if env.IdempotencyKey() != "" {
		if m.idemp != nil {
			m.idemp.Remember(env.CompositeKey(), status, output, idempotencyTTL)
		}
		m.clearInflight(env.CompositeKey())
	}
	return m.wq.Ack(leased.TaskID, leased.LeaseToken)
}

// HandleFailure evaluates cause against the retry policy for flowID and
// either requeues the task (nack with requeue=true, after a backoff
// delay recorded as an attempt) or routes it to the dead letter store.
func (m *Manager) HandleFailure(ctx context.Context, flowID string, leased *workqueue.LeasedTask, cause error) error {
	decision := m.retryer.Decide(flowID, leased.Attempt, cause)

	switch decision.Action {
	case retry.ActionRetry:
		if m.metrics != nil {
			m.metrics.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flowID)))
			m.metrics.redeliveredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flowID)))
		}
		if decision.DelaySeconds > 0 {
			timer := time.NewTimer(time.Duration(decision.DelaySeconds * float64(time.Second)))
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return m.wq.Nack(leased.TaskID, leased.LeaseToken, true)

	case retry.ActionDeadLetter:
		if m.dlq != nil {
			rec := deadletter.Record{
				EntryID:      leased.TaskID,
				FlowID:       flowID,
				TaskID:       leased.TaskID,
				Payload:      leased.Payload,
				Attempts:     leased.Attempt,
				FailureCode:  decision.Reason,
				FailureCause: causeMessage(cause),
				FirstFailed:  leased.EnqueuedAt,
				LastFailed:   time.Now(),
			}
			if err := m.dlq.Put(rec); err != nil {
				return fmt.Errorf("taskqueue: dead-letter: %w", err)
			}
		}
		if m.metrics != nil {
			m.metrics.dlqTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("flow", flowID), attribute.String("reason", decision.Reason)))
		}
		if env, err := EnvelopeFromPayload(leased.Payload); err == nil && env.IdempotencyKey() != "" {
			m.clearInflight(env.CompositeKey())
		}
		return m.wq.Nack(leased.TaskID, leased.LeaseToken, false)

	default:
		return fmt.Errorf("taskqueue: unknown retry action %q", decision.Action)
	}
}

func causeMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
