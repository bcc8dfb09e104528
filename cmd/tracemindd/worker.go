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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/tracemind/internal/config"
	"github.com/tombee/tracemind/internal/demoflows"
	"github.com/tombee/tracemind/internal/lifecycle"
	tmerrors "github.com/tombee/tracemind/pkg/errors"
	"github.com/tombee/tracemind/pkg/flowruntime"
	"github.com/tombee/tracemind/pkg/idempotency"
	"github.com/tombee/tracemind/pkg/supervisor"
	"github.com/tombee/tracemind/pkg/taskqueue"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a WorkerSupervisor pool against the durable queue",
		// Long-running daemon subcommands are opt-in via TM_ENABLE_DAEMON,
		// so a stray invocation can't silently park a worker pool on a
		// machine that wasn't meant to host one.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !daemonEnabled() {
				return fmt.Errorf("worker subcommands are disabled; set TM_ENABLE_DAEMON=1 to allow them")
			}
			return nil
		},
	}
	cmd.AddCommand(newWorkerStartCommand())
	cmd.AddCommand(newWorkerSingleCommand())
	return cmd
}

func daemonEnabled() bool {
	v := os.Getenv("TM_ENABLE_DAEMON")
	return v == "1" || v == "true" || v == "TRUE"
}

// newWorkerStartCommand launches the supervisor per spec §4.7. With
// --subprocess it launches real OS processes re-invoking this same
// binary's "worker single" subcommand (pkg/supervisor.SubprocessPool);
// otherwise it runs an in-process goroutine pool
// (pkg/supervisor.Supervisor), both leasing from the same on-disk
// queue directory.
func newWorkerStartCommand() *cobra.Command {
	var (
		workers    int
		subprocess bool
		pidFile    string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a worker pool that leases and executes tasks until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfigPath, flagQueueDir)
			if err != nil {
				return err
			}
			defer a.shutdownObs(context.Background())
			if workers <= 0 {
				workers = a.cfg.Supervisor.WorkerCount
			}
			if pidFile == "" {
				pidFile = a.cfg.Supervisor.PIDFile
			}

			var guard *lifecycle.PIDFile
			if pidFile != "" {
				guard = lifecycle.NewPIDFile(pidFile)
				if err := guard.Acquire(); err != nil {
					return fmt.Errorf("worker start: %w (another supervisor may already own %s)", err, a.queueDir)
				}
				defer guard.Release()
			}

			if flagConfigPath != "" {
				watcher, err := config.NewWatcher(config.WatcherConfig{
					Path:   flagConfigPath,
					Logger: a.logger,
					OnReload: func(cfg *config.Config) {
						a.logger.Info("config reloaded; running workers and runtime keep their current settings, new values (concurrency, TTLs, rate limits) take effect on the next tracemindd invocation",
							"path", flagConfigPath)
						a.cfg = cfg
					},
				})
				if err != nil {
					a.logger.Warn("config hot-reload disabled", "error", err)
				} else {
					defer watcher.Close()
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			if subprocess {
				self, err := os.Executable()
				if err != nil {
					return fmt.Errorf("worker start: resolve self path: %w", err)
				}
				pool, err := supervisor.NewSubprocessPool(supervisor.SubprocessConfig{
					Binary:               self,
					Args:                 []string{"worker", "single", "--queue-dir", a.queueDir, "--config", flagConfigPath},
					WorkerCount:          workers,
					LogDir:               filepath.Join(a.queueDir, "..", "worker-logs"),
					HeartbeatDir:         filepath.Join(a.queueDir, "..", "heartbeats"),
					HeartbeatInterval:    time.Duration(a.cfg.Supervisor.HeartbeatIntervalMS) * time.Millisecond,
					HeartbeatMissedLimit: a.cfg.Supervisor.HeartbeatMissedLimit,
					Logger:               a.logger,
				})
				if err != nil {
					return err
				}
				if err := pool.Start(ctx); err != nil {
					return err
				}
				a.logger.Info("subprocess worker pool started", slog.Int("workers", workers))
				<-sigCh
				a.logger.Info("draining subprocess worker pool")
				return pool.Drain(a.cfg.Supervisor.DrainTimeout)
			}

			wq, err := a.openQueue()
			if err != nil {
				return err
			}
			defer wq.Close()
			dlq, err := a.openDeadLetter()
			if err != nil {
				return err
			}

			idemp := idempotency.New(idempotency.Config{Capacity: a.cfg.Runtime.IdempotencyCacheSize})
			mgr, err := a.newManager(wq, dlq, idemp)
			if err != nil {
				return err
			}

			rt := a.newRuntime()
			for _, name := range demoflows.Names() {
				spec, _ := demoflows.ByName(name)
				if err := rt.RegisterFlow(spec); err != nil {
					return err
				}
			}

			sup, err := supervisor.New(supervisor.Config{
				Manager:              mgr,
				Run:                  runThroughRuntime(rt),
				WorkerCount:          workers,
				HeartbeatInterval:    time.Duration(a.cfg.Supervisor.HeartbeatIntervalMS) * time.Millisecond,
				HeartbeatMissedLimit: a.cfg.Supervisor.HeartbeatMissedLimit,
				DrainGrace:           a.cfg.Supervisor.DrainTimeout,
				Logger:               a.logger,
			})
			if err != nil {
				return err
			}

			sup.Start(ctx)
			a.logger.Info("worker pool started", slog.Int("workers", workers))
			<-sigCh
			a.logger.Info("draining worker pool")
			return sup.Drain(context.Background())
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "number of workers (default from config)")
	cmd.Flags().BoolVar(&subprocess, "subprocess", false, "run each worker as a separate OS process instead of a goroutine")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "single-instance guard path (default from config)")

	return cmd
}

// newWorkerSingleCommand is the subprocess pool's child entrypoint: one
// worker, real lease/execute/ack loop, touching --heartbeat-file on
// every iteration so the parent SubprocessPool can detect a hang.
func newWorkerSingleCommand() *cobra.Command {
	var (
		workerID      int
		heartbeatFile string
	)

	cmd := &cobra.Command{
		Use:    "single",
		Short:  "Run a single worker loop (used internally by --subprocess mode)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flagConfigPath, flagQueueDir)
			if err != nil {
				return err
			}
			defer a.shutdownObs(context.Background())

			wq, err := a.openQueue()
			if err != nil {
				return err
			}
			defer wq.Close()
			dlq, err := a.openDeadLetter()
			if err != nil {
				return err
			}
			idemp := idempotency.New(idempotency.Config{Capacity: a.cfg.Runtime.IdempotencyCacheSize})
			mgr, err := a.newManager(wq, dlq, idemp)
			if err != nil {
				return err
			}

			rt := a.newRuntime()
			for _, name := range demoflows.Names() {
				spec, _ := demoflows.ByName(name)
				if err := rt.RegisterFlow(spec); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			run := runThroughRuntime(rt)
			for ctx.Err() == nil {
				if heartbeatFile != "" {
					touchHeartbeat(heartbeatFile)
				}
				// Bounded wait keeps the heartbeat fresh while idle.
				leaseCtx, cancelLease := context.WithTimeout(ctx, time.Second)
				leased, err := mgr.Lease(leaseCtx)
				cancelLease()
				if err != nil {
					continue
				}
				if leased == nil {
					continue
				}
				env, err := taskqueue.EnvelopeFromPayload(leased.Payload)
				if err != nil {
					_ = mgr.HandleFailure(ctx, "", leased, &tmerrors.StepError{Code: tmerrors.CodeStructural, Cause: err})
					continue
				}
				status, output, runErr := run(ctx, env.FlowID, env.Input)
				if runErr != nil {
					_ = mgr.HandleFailure(ctx, env.FlowID, leased, runErr)
					continue
				}
				_ = mgr.Ack(ctx, leased, status, output, 0)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&workerID, "worker-id", 0, "identifier assigned by the parent supervisor")
	cmd.Flags().StringVar(&heartbeatFile, "heartbeat-file", "", "path this worker touches on every loop iteration")

	return cmd
}

func touchHeartbeat(path string) {
	now := time.Now()
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600); err == nil {
		f.Close()
	}
	os.Chtimes(path, now, now)
}

// runThroughRuntime adapts a flowruntime.Runtime into a
// supervisor.RunFunc: flow_id is looked up as a registered flow name
// (this harness's demo flows use flow_id == name, as flowspec.New
// defaults them to).
func runThroughRuntime(rt *flowruntime.Runtime) supervisor.RunFunc {
	return func(ctx context.Context, flowID string, payload map[string]any) (string, map[string]any, error) {
		result, err := rt.Run(ctx, flowID, payload, flowruntime.RunOptions{})
		if err != nil {
			return "", nil, err
		}
		switch result.Status {
		case "rejected":
			return result.Status, result.Output, &tmerrors.AdmissionError{Code: tmerrors.Code(result.ErrorCode), Reason: result.ErrorMessage}
		case "error":
			return result.Status, result.Output, &tmerrors.StepError{Code: tmerrors.Code(result.ErrorCode), Cause: fmt.Errorf("%s", result.ErrorMessage)}
		default:
			return result.Status, result.Output, nil
		}
	}
}
