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

// Package workqueue implements a durable task queue: put/lease/ack/
// nack over pending tasks ordered by a globally monotonic offset, with
// visibility-timeout leases that redeliver if never acked. WorkQueue
// is the interface; MemoryQueue is a non-durable reference
// implementation and FileWorkQueue persists entries as rotating
// length-prefixed segment files with companion ack indexes, so a
// restart recovers the set of still-pending tasks.
package workqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of work in the queue.
type Task struct {
	TaskID     string         `json:"task_id"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// LeasedTask is a Task checked out by a worker. The lease token is the
// sole authorization to ack or nack the task; Offset is the task's
// position in the queue's global enqueue order.
type LeasedTask struct {
	Task
	Offset      int64     `json:"offset"`
	Attempt     int       `json:"attempt"`
	LeaseToken  string    `json:"lease_token"`
	LeaseExpiry time.Time `json:"lease_expiry"`
}

// WorkQueue is the durable task queue contract.
type WorkQueue interface {
	// Put enqueues payload and returns the new task's id.
	Put(payload map[string]any) (taskID string, err error)
	// Lease blocks (respecting ctx) until a task is available, then
	// checks it out for visibility, after which it becomes eligible
	// for redelivery unless acked or nacked first.
	Lease(ctx context.Context, visibility time.Duration) (*LeasedTask, error)
	// Ack permanently removes taskID, identified by its current lease
	// token so a stale lease cannot ack a task leased by someone else.
	Ack(taskID, leaseToken string) error
	// Nack ends a lease early. If requeue is true the task becomes
	// immediately available again; otherwise it is dropped from the
	// queue (the caller is expected to have already dead-lettered it).
	Nack(taskID, leaseToken string, requeue bool) error
	// PendingCount reports tasks that are neither leased nor acked.
	PendingCount() int
	// InflightCount reports currently-leased tasks.
	InflightCount() int
	Close() error
}

type queuedTask struct {
	task       Task
	offset     int64
	attempt    int
	el         *list.Element // position in pending list, nil if leased
	leaseToken string
	leaseUntil time.Time
}

// MemoryQueue is an in-process, non-durable WorkQueue. It is the
// default backend and a reference implementation for FileWorkQueue's
// in-memory index.
type MemoryQueue struct {
	mu         sync.Mutex
	notify     chan struct{} // closed and replaced whenever state changes that might unblock a Lease
	pending    *list.List    // of *queuedTask, FIFO
	byID       map[string]*queuedTask
	nextOffset int64
	closed     bool
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: list.New(),
		byID:    make(map[string]*queuedTask),
		notify:  make(chan struct{}),
	}
}

// wakeLocked unblocks any goroutine currently waiting in Lease. Callers
// must hold q.mu.
func (q *MemoryQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Put implements WorkQueue.
func (q *MemoryQueue) Put(payload map[string]any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &queuedTask{task: Task{
		TaskID:     uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}, offset: q.nextOffset}
	q.nextOffset++
	t.el = q.pending.PushBack(t)
	q.byID[t.task.TaskID] = t
	q.wakeLocked()
	return t.task.TaskID, nil
}

// Lease implements WorkQueue. It blocks until a pending task exists, a
// leased task's visibility expires and is redelivered, or ctx is done.
func (q *MemoryQueue) Lease(ctx context.Context, visibility time.Duration) (*LeasedTask, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, context.Canceled
		}
		q.reapExpiredLocked()

		if front := q.pending.Front(); front != nil {
			t := front.Value.(*queuedTask)
			q.pending.Remove(front)
			t.el = nil
			t.attempt++
			t.leaseToken = uuid.NewString()
			t.leaseUntil = time.Now().Add(visibility)
			leased := &LeasedTask{
				Task:        t.task,
				Offset:      t.offset,
				Attempt:     t.attempt,
				LeaseToken:  t.leaseToken,
				LeaseExpiry: t.leaseUntil,
			}
			q.mu.Unlock()
			return leased, nil
		}

		wait := q.notify
		q.mu.Unlock()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			// bounded poll so a lease whose visibility just expired is
			// noticed even without a Put/Ack/Nack to trigger wakeLocked.
		}
	}
}

// reapExpiredLocked pushes back leased tasks whose visibility elapsed.
// Callers must hold q.mu.
func (q *MemoryQueue) reapExpiredLocked() {
	now := time.Now()
	for _, t := range q.byID {
		if t.el == nil && !t.leaseUntil.IsZero() && now.After(t.leaseUntil) {
			t.el = q.pending.PushBack(t)
			t.leaseUntil = time.Time{}
			t.leaseToken = ""
		}
	}
}

// Ack implements WorkQueue.
func (q *MemoryQueue) Ack(taskID, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok {
		return nil
	}
	if t.el != nil || t.leaseToken != leaseToken {
		return nil // stale ack: already redelivered or already acked
	}
	delete(q.byID, taskID)
	return nil
}

// Nack implements WorkQueue.
func (q *MemoryQueue) Nack(taskID, leaseToken string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[taskID]
	if !ok || t.el != nil || t.leaseToken != leaseToken {
		return nil
	}
	t.leaseToken = ""
	t.leaseUntil = time.Time{}
	if requeue {
		t.el = q.pending.PushFront(t) // redeliver ahead of fresh puts
		q.wakeLocked()
	} else {
		delete(q.byID, taskID)
	}
	return nil
}

// PendingCount implements WorkQueue.
func (q *MemoryQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InflightCount implements WorkQueue.
func (q *MemoryQueue) InflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID) - q.pending.Len()
}

// Close implements WorkQueue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.wakeLocked()
	q.mu.Unlock()
	return nil
}

var _ WorkQueue = (*MemoryQueue)(nil)
