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

// Command tracemindd is a thin harness for manual operation of the
// TraceMind execution substrate: submit a flow run, start a worker pool
// against a durable queue directory, and inspect the dead letter store.
// It is not a product surface (spec §0) — no HTTP server, no recipe
// compiler, just enough cobra wiring (grounded on the teacher's
// internal/cli root command and cmd/conductord/main.go) to drive the
// core packages by hand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tombee/tracemind/internal/config"
	"github.com/tombee/tracemind/internal/log"
	"github.com/tombee/tracemind/internal/obs"
	"github.com/tombee/tracemind/pkg/deadletter"
	"github.com/tombee/tracemind/pkg/flowruntime"
	"github.com/tombee/tracemind/pkg/governance"
	"github.com/tombee/tracemind/pkg/idempotency"
	"github.com/tombee/tracemind/pkg/retry"
	"github.com/tombee/tracemind/pkg/taskqueue"
	"github.com/tombee/tracemind/pkg/workqueue"
)

// app bundles the wiring every subcommand needs: configuration, a
// logger, and constructors for the queue/runtime/manager stack. Built
// fresh per invocation rather than held as a package-level singleton.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	queueDir string
	dlqDir   string
	obs      *obs.Provider
}

func newApp(configPath, queueDir string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), AddSource: cfg.Log.AddSource})
	slog.SetDefault(logger)

	if queueDir == "" {
		queueDir = "./tracemind-data/queue"
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		queueDir: queueDir,
		dlqDir:   queueDir + "-dlq",
	}

	if cfg.Observability.Enabled {
		provider, err := obs.New(cfg.Observability.ServiceName, version)
		if err != nil {
			return nil, fmt.Errorf("tracemindd: start observability: %w", err)
		}
		a.obs = provider
		a.serveMetrics(cfg.Observability.ListenAddr)
	}
	return a, nil
}

// serveMetrics starts promhttp.Handler on addr in the background. A
// listen failure is logged, not fatal: --config obs.enabled shouldn't
// take down a one-shot "run" invocation over a port conflict.
func (a *app) serveMetrics(addr string) {
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.obs.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server exited", "error", err, "addr", addr)
		}
	}()
}

// shutdownObs flushes and closes the observability provider, if any.
func (a *app) shutdownObs(ctx context.Context) {
	if a.obs == nil {
		return
	}
	if err := a.obs.Shutdown(ctx); err != nil {
		a.logger.Warn("observability shutdown", "error", err)
	}
}

func (a *app) openQueue() (*workqueue.FileWorkQueue, error) {
	return workqueue.NewFileWorkQueue(workqueue.FileQueueConfig{
		Dir:             a.queueDir,
		SegmentMaxBytes: a.cfg.Queue.SegmentMaxBytes,
		V2:              workqueue.V2FromEnv(),
		Logger:          a.logger,
	})
}

func (a *app) openDeadLetter() (*deadletter.Store, error) {
	return deadletter.New(a.dlqDir)
}

// newManager wires a taskqueue.Manager over wq using the process's
// configured retry policy and dead letter store, using idemp (when
// non-nil) as the Manager's idempotency store for enqueue dedup.
func (a *app) newManager(wq workqueue.WorkQueue, dlq *deadletter.Store, idemp *idempotency.Store) (*taskqueue.Manager, error) {
	retryCfg := retry.FlowConfig{
		MaxAttempts: a.cfg.Queue.MaxAttempts,
		BaseMS:      200,
		Factor:      2.0,
		JitterMS:    50,
	}

	var metrics *taskqueue.Metrics
	if a.obs != nil {
		m, err := taskqueue.NewMetrics(a.obs.MeterProvider(), wq)
		if err != nil {
			return nil, fmt.Errorf("tracemindd: wire queue metrics: %w", err)
		}
		metrics = m
	}

	return taskqueue.New(taskqueue.Config{
		WorkQueue:       wq,
		Idempotency:     idemp,
		Retry:           retry.New(retryCfg),
		DeadLetter:      dlq,
		Metrics:         metrics,
		LeaseVisibility: time.Duration(a.cfg.Queue.LeaseVisibilitySec) * time.Second,
	})
}

// newRuntime builds a flowruntime.Runtime from the process config and
// registers every built-in demo flow (cmd/tracemindd has no recipe
// loader of its own; see internal/demoflows).
func (a *app) newRuntime() *flowruntime.Runtime {
	mode := flowruntime.ResponseImmediate
	if a.cfg.Runtime.ResponseMode == "DEFERRED" {
		mode = flowruntime.ResponseDeferred
	}
	rt := flowruntime.New(flowruntime.Config{
		MaxConcurrency:       a.cfg.Runtime.MaxConcurrency,
		QueueCapacity:        a.cfg.Runtime.QueueCapacity,
		QueueWaitTimeoutMS:   a.cfg.Runtime.QueueWaitTimeoutMS,
		IdempotencyTTLSec:    a.cfg.Runtime.IdempotencyTTLSec,
		IdempotencyCacheSize: a.cfg.Runtime.IdempotencyCacheSize,
		Policies: flowruntime.Policies{
			ResponseMode:  mode,
			AllowDeferred: a.cfg.Runtime.AllowDeferred,
			ShortWaitS:    a.cfg.Runtime.ShortWaitS,
		},
		Governance: governanceFromConfig(a.cfg.Governance),
		Logger:     a.logger,
	})
	return rt
}

func governanceFromConfig(cfg config.GovernanceConfig) flowruntime.Governance {
	if len(cfg.AllowedFlows) == 0 && cfg.RatePerSecond == 0 {
		return flowruntime.NoGovernance{}
	}
	return governance.New(governance.Config{
		AllowedFlows:  cfg.AllowedFlows,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	})
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
