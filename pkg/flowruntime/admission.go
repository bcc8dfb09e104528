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

package flowruntime

import (
	"context"

	"golang.org/x/sync/semaphore"

	tmerrors "github.com/tombee/tracemind/pkg/errors"
)

// admission gates Run calls with a bounded wait queue in front of a
// fixed concurrency limit, per spec §4.1's admission control model:
// a caller first takes a slot in the (buffered) queue — which fails
// fast with QUEUE_FULL once QueueCapacity callers are already waiting —
// then blocks FIFO on the concurrency semaphore until one of
// MaxConcurrency execution slots frees up or ctx is done.
//
// The two-stage shape (queue slot, then semaphore) mirrors the
// teacher's parallel-branch admission in pkg/workflow/executor.go,
// generalized from gating one step kind to gating whole-run
// concurrency; semaphore.Weighted is used instead of a plain buffered
// channel because it already provides FIFO-fair Acquire/TryAcquire
// semantics under context cancellation.
type admission struct {
	sem   *semaphore.Weighted
	queue chan struct{} // capacity-bounded waiting-room ticket pool
}

func newAdmission(maxConcurrency, queueCapacity int) *admission {
	return &admission{
		sem:   semaphore.NewWeighted(int64(maxConcurrency)),
		queue: make(chan struct{}, queueCapacity),
	}
}

// enter reserves a waiting-room ticket (failing immediately with
// QUEUE_FULL if QueueCapacity callers are already waiting) and then
// blocks for a concurrency slot, returning a QUEUE_TIMEOUT/CANCELLED
// AdmissionError if ctx ends first. The ticket is handed back the
// moment the slot is acquired, so the queue bounds waiters only —
// capacity beyond the concurrency limit, as documented.
func (a *admission) enter(ctx context.Context) error {
	// Fast path: a free slot with no earlier waiters needs no ticket,
	// which keeps queue_capacity=0 meaning "no waiting room" rather than
	// "no admission at all".
	if a.sem.TryAcquire(1) {
		return nil
	}

	select {
	case a.queue <- struct{}{}:
	default:
		return &tmerrors.AdmissionError{Code: tmerrors.CodeQueueFull, Reason: "admission queue at capacity"}
	}

	err := a.sem.Acquire(ctx, 1)
	<-a.queue
	if err != nil {
		code := tmerrors.CodeCancelled
		if ctx.Err() == context.DeadlineExceeded {
			code = tmerrors.CodeQueueTimeout
		}
		return &tmerrors.AdmissionError{Code: code, Reason: err.Error()}
	}
	return nil
}

// release frees the concurrency slot taken by a matching enter call.
func (a *admission) release() {
	a.sem.Release(1)
}
