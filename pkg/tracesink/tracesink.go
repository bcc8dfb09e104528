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

// Package tracesink accepts TraceSpan records from FlowRuntime and
// appends them as ("FlowTrace", json) frames to a binlog.Writer,
// bounding the time the runtime can be blocked by a slow or full
// sink (spec §4.8).
package tracesink

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/tracemind/pkg/binlog"
)

// TraceSpan is one record per step execution, ordered by Seq within a
// run (spec §3).
type TraceSpan struct {
	Flow         string    `json:"flow"`
	FlowID       string    `json:"flow_id"`
	FlowRev      string    `json:"flow_rev"`
	RunID        string    `json:"run_id"`
	Step         string    `json:"step"`
	StepID       string    `json:"step_id"`
	Seq          int       `json:"seq"`
	T0           time.Time `json:"t0"`
	T1           time.Time `json:"t1"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

const frameType = "FlowTrace"

// DefaultQueueDepth bounds the number of spans buffered for the drain
// goroutine before Emit starts dropping, per spec §4.8's
// "buffering or dropping on backpressure is implementation-defined".
const DefaultQueueDepth = 1024

// Sink appends TraceSpans to a binlog.Writer from a single drain
// goroutine, so per-run_id span ordering (dense, monotonic Seq) survives
// the trip to disk even though Emit is called from many runtime
// goroutines concurrently.
type Sink struct {
	writer  *binlog.Writer
	logger  *slog.Logger
	queue   chan TraceSpan
	done    chan struct{}
	dropped atomic.Int64
	mu      sync.Mutex
	closed  bool
}

// New creates a Sink backed by writer. queueDepth <= 0 selects
// DefaultQueueDepth.
func New(writer *binlog.Writer, logger *slog.Logger, queueDepth int) *Sink {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		writer: writer,
		logger: logger,
		queue:  make(chan TraceSpan, queueDepth),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *Sink) drain() {
	defer close(s.done)
	for span := range s.queue {
		payload, err := json.Marshal(span)
		if err != nil {
			s.logger.Error("tracesink: marshal span failed", "error", err, "run_id", span.RunID)
			continue
		}
		if err := s.writer.Append(frameType, payload); err != nil {
			s.logger.Error("tracesink: append frame failed", "error", err, "run_id", span.RunID)
		}
	}
}

// Emit enqueues span for the drain goroutine. It never blocks the
// caller beyond a full-queue check: if the queue is saturated the span
// is dropped and counted, rather than stalling the FlowRuntime.
func (s *Sink) Emit(span TraceSpan) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.queue <- span:
	default:
		s.dropped.Add(1)
		s.logger.Warn("tracesink: dropping span, queue full", "run_id", span.RunID, "step", span.Step)
	}
}

// Dropped returns the number of spans dropped due to backpressure.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting spans, drains the queue, and closes the
// underlying writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done
	return s.writer.Close()
}
