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

// Package supervisor implements the WorkerSupervisor of spec §4.7: a
// pool of workers that lease envelopes from a taskqueue.Manager, run
// them through a caller-supplied RunFunc (a FlowRuntime façade), and
// ack/nack the outcome, with heartbeat-based crash detection and
// graceful drain on shutdown. Supervisor realizes the worker pool
// in-process (one goroutine per worker); SubprocessPool in
// subprocess.go realizes the same state machine with real OS processes
// for deployments that want per-worker isolation. Grounded on the
// teacher's internal/daemon Start/Shutdown contract and
// internal/lifecycle's spawn/process primitives, generalized from an
// RPC server's request loop to a lease/execute/ack loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tmerrors "github.com/tombee/tracemind/pkg/errors"
	"github.com/tombee/tracemind/pkg/taskqueue"
)

// State is a worker's position in the state machine spec §4.7
// describes: spawned -> running -> (heartbeat_missed -> kill ->
// respawn) | (drain -> exit).
type State string

const (
	StateSpawned  State = "spawned"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateDead     State = "dead"
)

// RunFunc executes one task's payload through a flow runtime and
// reports its terminal status. An error is treated as a step failure
// subject to the Manager's retry policy; a nil error acks the task with
// status/output remembered for idempotency replay.
type RunFunc func(ctx context.Context, flowID string, payload map[string]any) (status string, output map[string]any, err error)

// Config configures a Supervisor.
type Config struct {
	Manager *taskqueue.Manager
	Run     RunFunc

	WorkerCount          int
	HeartbeatInterval    time.Duration
	HeartbeatMissedLimit int
	DrainGrace           time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMissedLimit <= 0 {
		c.HeartbeatMissedLimit = 3
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// idleLeaseWait bounds how long a worker blocks waiting for a lease
// before coming up for air to heartbeat and re-check its drain state.
const idleLeaseWait = 250 * time.Millisecond

type worker struct {
	id            int
	mu            sync.Mutex
	state         State
	lastHeartbeat time.Time
	cancel        context.CancelFunc
	done          chan struct{}
}

func (w *worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) getState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) touch() {
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
}

func (w *worker) age() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastHeartbeat)
}

// Supervisor owns a pool of lease/execute/ack worker goroutines.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	workers  map[int]*worker
	nextID   int
	draining bool

	wg         sync.WaitGroup
	rootCancel context.CancelFunc
	logger     *slog.Logger
}

// New constructs a Supervisor from cfg. Start must be called to spawn
// workers.
func New(cfg Config) (*Supervisor, error) {
	cfg.applyDefaults()
	if cfg.Manager == nil {
		return nil, fmt.Errorf("supervisor: Manager is required")
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("supervisor: Run is required")
	}
	return &Supervisor{
		cfg:     cfg,
		workers: make(map[int]*worker),
		logger:  cfg.Logger,
	}, nil
}

// Start spawns the configured number of workers and the heartbeat
// watchdog, all rooted under ctx. It returns immediately; workers run
// until ctx is canceled or Drain is called.
func (s *Supervisor) Start(ctx context.Context) {
	root, cancel := context.WithCancel(ctx)
	s.rootCancel = cancel

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.spawn(root)
	}
	go s.watchHeartbeats(root)
}

func (s *Supervisor) spawn(ctx context.Context) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{id: id, state: StateSpawned, lastHeartbeat: time.Now(), cancel: cancel, done: make(chan struct{})}
	s.workers[id] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(wctx, w)
	s.logger.Info("worker spawned", slog.Int("worker_id", id))
}

func (s *Supervisor) run(ctx context.Context, w *worker) {
	defer s.wg.Done()
	defer close(w.done)
	w.setState(StateRunning)

	for {
		if w.getState() == StateDraining {
			s.logger.Info("worker drained", slog.Int("worker_id", w.id))
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Bound the lease wait so an idle worker still heartbeats (rather
		// than looking hung to watchHeartbeats) and notices a drain
		// promptly.
		leaseCtx, cancelLease := context.WithTimeout(ctx, idleLeaseWait)
		leased, err := s.cfg.Manager.Lease(leaseCtx)
		cancelLease()
		w.touch()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Warn("lease failed", slog.Int("worker_id", w.id), slog.Any("error", err))
			}
			continue
		}
		if leased == nil {
			continue
		}

		env, err := taskqueue.EnvelopeFromPayload(leased.Payload)
		if err != nil {
			// Undecodable envelopes are structural: never retryable.
			structural := &tmerrors.StepError{Code: tmerrors.CodeStructural, Cause: err}
			if err := s.cfg.Manager.HandleFailure(ctx, "", leased, structural); err != nil {
				s.logger.Error("handle failure error", slog.Int("worker_id", w.id), slog.Any("error", err))
			}
			continue
		}

		status, output, runErr := s.cfg.Run(ctx, env.FlowID, env.Input)
		w.touch()
		if runErr != nil {
			if err := s.cfg.Manager.HandleFailure(ctx, env.FlowID, leased, runErr); err != nil {
				s.logger.Error("handle failure error", slog.Int("worker_id", w.id), slog.Any("error", err))
			}
			continue
		}
		if err := s.cfg.Manager.Ack(ctx, leased, status, output, 0); err != nil {
			s.logger.Error("ack failed", slog.Int("worker_id", w.id), slog.Any("error", err))
		}
	}
}

// watchHeartbeats kills and respawns any worker whose lease/execute
// loop hasn't touched its heartbeat within HeartbeatInterval for
// HeartbeatMissedLimit consecutive ticks.
func (s *Supervisor) watchHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	missed := make(map[int]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.draining {
				s.mu.Unlock()
				return
			}
			for id, w := range s.workers {
				if w.getState() == StateDead || w.getState() == StateDraining {
					continue
				}
				if w.age() > s.cfg.HeartbeatInterval {
					missed[id]++
				} else {
					missed[id] = 0
				}
				if missed[id] >= s.cfg.HeartbeatMissedLimit {
					s.logger.Warn("worker heartbeat missed, killing and respawning",
						slog.Int("worker_id", id), slog.Int("missed", missed[id]))
					w.setState(StateDead)
					w.cancel()
					delete(s.workers, id)
					delete(missed, id)
					s.spawn(ctx)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Drain transitions every worker to draining (finish current lease,
// take no new one), waits up to cfg.DrainGrace for them to exit, and
// force-cancels any still running afterward.
func (s *Supervisor) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	for _, w := range s.workers {
		w.setState(StateDraining)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.DrainGrace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		// A worker wedged inside its Run body can't be unstuck by
		// cancellation; report it rather than waiting forever.
		s.killAll()
		return errors.New("supervisor: drain grace exceeded, workers force-killed")
	case <-ctx.Done():
		s.killAll()
		return ctx.Err()
	}
}

func (s *Supervisor) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		w.setState(StateDead)
		w.cancel()
	}
}

// Stop cancels every worker immediately without waiting for in-flight
// leases to finish. Prefer Drain for graceful shutdown.
func (s *Supervisor) Stop() {
	if s.rootCancel != nil {
		s.rootCancel()
	}
	s.wg.Wait()
}
