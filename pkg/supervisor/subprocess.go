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

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/tracemind/internal/lifecycle"
)

// SubprocessConfig configures a SubprocessPool: each worker is a real OS
// process running Binary with Args plus per-worker --worker-id and
// --heartbeat-file flags the child is expected to honor (cmd/tracemindd's
// "worker" subcommand does).
type SubprocessConfig struct {
	Binary string
	Args   []string

	WorkerCount          int
	LogDir               string
	HeartbeatDir         string
	HeartbeatInterval    time.Duration
	HeartbeatMissedLimit int

	Logger *slog.Logger
}

func (c *SubprocessConfig) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMissedLimit <= 0 {
		c.HeartbeatMissedLimit = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type subprocessWorker struct {
	id            int
	pid           int
	heartbeatPath string
}

// SubprocessPool is the spec §4.7 worker pool realized as real OS
// processes instead of goroutines, for deployments wanting per-worker
// process isolation on top of the file-backed queue's cross-process
// safety. Grounded on the teacher's internal/lifecycle.Spawner and
// process liveness check, generalized from daemon autostart to a
// supervised worker pool with heartbeat-file-based crash detection
// (the subprocess can't share an in-memory heartbeat timestamp with the
// supervisor, so it touches a file on disk instead).
type SubprocessPool struct {
	cfg     SubprocessConfig
	spawner *lifecycle.Spawner

	mu       sync.Mutex
	workers  map[int]*subprocessWorker
	draining bool

	logger *slog.Logger
}

// NewSubprocessPool constructs a SubprocessPool from cfg.
func NewSubprocessPool(cfg SubprocessConfig) (*SubprocessPool, error) {
	cfg.applyDefaults()
	if cfg.Binary == "" {
		return nil, fmt.Errorf("supervisor: Binary is required for subprocess mode")
	}
	if cfg.HeartbeatDir == "" {
		return nil, fmt.Errorf("supervisor: HeartbeatDir is required for subprocess mode")
	}
	if err := os.MkdirAll(cfg.HeartbeatDir, 0o700); err != nil {
		return nil, fmt.Errorf("supervisor: create heartbeat dir: %w", err)
	}
	return &SubprocessPool{
		cfg:     cfg,
		spawner: lifecycle.NewSpawner(),
		workers: make(map[int]*subprocessWorker),
		logger:  cfg.Logger,
	}, nil
}

// Start spawns cfg.WorkerCount worker processes and begins watching
// their heartbeat files.
func (p *SubprocessPool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		if err := p.spawn(i); err != nil {
			return err
		}
	}
	go p.watch(ctx)
	return nil
}

func (p *SubprocessPool) spawn(id int) error {
	hbPath := filepath.Join(p.cfg.HeartbeatDir, fmt.Sprintf("worker-%d.heartbeat", id))
	os.Remove(hbPath)

	args := make([]string, 0, len(p.cfg.Args)+4)
	args = append(args, p.cfg.Args...)
	args = append(args, "--worker-id", fmt.Sprintf("%d", id), "--heartbeat-file", hbPath)

	logPath := filepath.Join(p.cfg.LogDir, fmt.Sprintf("worker-%d.log", id))
	pid, err := p.spawner.SpawnDetached(p.cfg.Binary, args, logPath)
	if err != nil {
		return fmt.Errorf("supervisor: spawn worker %d: %w", id, err)
	}

	p.mu.Lock()
	p.workers[id] = &subprocessWorker{id: id, pid: pid, heartbeatPath: hbPath}
	p.mu.Unlock()

	p.logger.Info("subprocess worker spawned", slog.Int("worker_id", id), slog.Int("pid", pid))
	return nil
}

func (p *SubprocessPool) watch(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	missed := make(map[int]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.draining {
				p.mu.Unlock()
				return
			}
			ids := make([]int, 0, len(p.workers))
			for id := range p.workers {
				ids = append(ids, id)
			}
			p.mu.Unlock()

			for _, id := range ids {
				p.mu.Lock()
				w, ok := p.workers[id]
				p.mu.Unlock()
				if !ok {
					continue
				}

				stale := !lifecycle.IsAlive(w.pid)
				if !stale {
					info, err := os.Stat(w.heartbeatPath)
					stale = err != nil || time.Since(info.ModTime()) > p.cfg.HeartbeatInterval*time.Duration(p.cfg.HeartbeatMissedLimit)
				}
				if stale {
					missed[id]++
				} else {
					missed[id] = 0
				}

				if missed[id] >= p.cfg.HeartbeatMissedLimit {
					p.logger.Warn("subprocess worker heartbeat missed, killing and respawning",
						slog.Int("worker_id", id), slog.Int("pid", w.pid))
					syscall.Kill(w.pid, syscall.SIGKILL)
					delete(missed, id)
					if err := p.spawn(id); err != nil {
						p.logger.Error("respawn failed", slog.Int("worker_id", id), slog.Any("error", err))
					}
				}
			}
		}
	}
}

// Drain sends SIGTERM to every worker, gives them grace to exit, then
// SIGKILLs any stragglers.
func (p *SubprocessPool) Drain(grace time.Duration) error {
	p.mu.Lock()
	p.draining = true
	workers := make([]*subprocessWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		lifecycle.Signal(w.pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for _, w := range workers {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := lifecycle.WaitExit(w.pid, remaining); err != nil {
			p.logger.Warn("worker did not exit within drain grace, killing",
				slog.Int("worker_id", w.id), slog.Int("pid", w.pid))
			syscall.Kill(w.pid, syscall.SIGKILL)
		}
	}
	return nil
}
