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

// Package flowruntime implements the FlowRuntime described in spec §4.1:
// an asynchronous, single-process scheduler that admits runs under a
// bounded queue plus concurrency semaphore, walks a flowspec.FlowSpec's
// DAG invoking step hooks in a fixed order, resolves SWITCH/PARALLEL
// branching, emits ordered trace spans, and enforces idempotency with a
// join-in-flight guarantee. The admission gate generalizes the teacher's
// per-parallel-step semaphore (pkg/workflow/executor.go's parallelSem)
// from gating one step kind to gating whole-run admission; PARALLEL
// fan-out here reuses the same pattern the teacher's executeParallel
// already walks (errgroup-style fan-out, shallow state merge).
package flowruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tombee/tracemind/pkg/correlation"
	tmerrors "github.com/tombee/tracemind/pkg/errors"
	"github.com/tombee/tracemind/pkg/flowspec"
	"github.com/tombee/tracemind/pkg/idempotency"
	"github.com/tombee/tracemind/pkg/tracesink"
)

// ResponseMode selects whether Run waits for the DAG walk's own
// completion (IMMEDIATE) or hands back a correlation token the caller
// redeems later (DEFERRED), per spec §4.1.2.
type ResponseMode string

const (
	ResponseImmediate ResponseMode = "IMMEDIATE"
	ResponseDeferred  ResponseMode = "DEFERRED"
)

// Policies are the per-runtime deferred-execution knobs from spec §4.1's
// configuration table.
type Policies struct {
	ResponseMode  ResponseMode
	AllowDeferred bool
	ShortWaitS    float64
}

// Config configures a Runtime. New replaces a non-positive
// MaxConcurrency and a negative QueueCapacity with their defaults, and
// a nil Governance or Logger with NoGovernance or slog.Default; a zero
// QueueCapacity means no waiting room.
type Config struct {
	MaxConcurrency       int
	QueueCapacity        int
	QueueWaitTimeoutMS   int
	IdempotencyTTLSec    float64
	IdempotencyCacheSize int
	Policies             Policies

	// TraceSink receives one TraceSpan per step. Nil disables tracing.
	TraceSink *tracesink.Sink
	// Correlator backs deferred execution. Required when
	// Policies.AllowDeferred is true; constructed with correlation.New()
	// if nil and deferred execution is ever requested.
	Correlator *correlation.Hub
	// Governance gates admission and per-step execution. Defaults to
	// NoGovernance.
	Governance Governance
	// Idempotency overrides the internally constructed store (useful for
	// tests that need to inspect or pre-seed it). Constructed from
	// IdempotencyCacheSize when nil.
	Idempotency *idempotency.Store
	// RunListeners are invoked, in order, with the final RunResult after
	// every completed run (accepted or rejected), before the admission
	// slot is released.
	RunListeners []func(*RunResult)

	Logger *slog.Logger
}

const (
	defaultMaxConcurrency = 100
	defaultQueueCapacity  = 300
)

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.Governance == nil {
		c.Governance = NoGovernance{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RunResult is the FlowRunRecord-shaped outcome of a Run call (spec §3).
type RunResult struct {
	Status       string // "ok", "error", "rejected"
	RunID        string
	Flow         string
	FlowID       string
	FlowRev      string
	QueuedMs     int64
	ExecMs       int64
	DurationMs   int64
	Output       map[string]any
	ErrorCode    string
	ErrorMessage string
	StartTS      time.Time
	EndTS        time.Time

	// Token mirrors the "token" entry of a deferred run's pending
	// Output; redeem it with Runtime.Redeem to observe the eventual
	// outcome.
	Token string
}

// RunOptions carries the per-call overrides spec §4.1 lists alongside
// name/inputs: an idempotency key and a response-mode override.
type RunOptions struct {
	IdempotencyKey string
	ResponseMode   ResponseMode // overrides Config.Policies.ResponseMode when non-empty
}

// Runtime is the FlowRuntime. Construct with New; the zero value is not
// usable.
type Runtime struct {
	cfg Config

	mu    sync.RWMutex
	specs map[string]*flowspec.FlowSpec

	admission *admission
	idemp     *idempotency.Store
	hub       *correlation.Hub
	sf        singleflight.Group
	switchEv  *switchEvaluator

	logger *slog.Logger
}

// New constructs a Runtime from cfg.
func New(cfg Config) *Runtime {
	cfg.applyDefaults()

	idemp := cfg.Idempotency
	if idemp == nil {
		idemp = idempotency.New(idempotency.Config{Capacity: cfg.IdempotencyCacheSize})
	}

	hub := cfg.Correlator
	if hub == nil {
		hub = correlation.New()
	}

	return &Runtime{
		cfg:       cfg,
		specs:     make(map[string]*flowspec.FlowSpec),
		admission: newAdmission(cfg.MaxConcurrency, cfg.QueueCapacity),
		idemp:     idemp,
		hub:       hub,
		switchEv:  newSwitchEvaluator(),
		logger:    cfg.Logger,
	}
}

// RegisterFlow makes spec runnable under spec.Name(). Validates spec's
// structural invariants first (spec §3).
func (r *Runtime) RegisterFlow(spec *flowspec.FlowSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("flowruntime: register %q: %w", spec.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name()] = spec
	return nil
}

// Idempotency exposes the runtime's idempotency store, e.g. for an
// enclosing TaskQueueManager to share dedup state, or for tests.
func (r *Runtime) Idempotency() *idempotency.Store { return r.idemp }

// Correlator exposes the runtime's correlation hub, e.g. for an external
// caller to Signal a deferred run's completion.
func (r *Runtime) Correlator() *correlation.Hub { return r.hub }

// Run executes name to completion (or to a deferred-pending state)
// under admission and concurrency limits, per spec §4.1.
func (r *Runtime) Run(ctx context.Context, name string, inputs map[string]any, opts RunOptions) (*RunResult, error) {
	r.mu.RLock()
	spec, ok := r.specs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("flowruntime: unknown flow %q", name)
	}

	if inputs == nil {
		inputs = map[string]any{}
	}

	key := opts.IdempotencyKey
	if key == "" {
		return r.runOnce(ctx, spec, inputs, opts), nil
	}

	if cached, ok := r.idemp.Get(key); ok {
		return cachedResult(spec, cached), nil
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		// Re-check under the singleflight leader: another goroutine may
		// have remembered a result for key while we were waiting to
		// become the leader.
		if cached, ok := r.idemp.Get(key); ok {
			return cachedResult(spec, cached), nil
		}
		res := r.runOnce(ctx, spec, inputs, opts)
		ttl := time.Duration(r.cfg.IdempotencyTTLSec * float64(time.Second))
		r.idemp.Remember(key, res.Status, res.Output, ttl)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RunResult), nil
}

// cachedResult shapes a cache hit as a RunResult. ErrorCode carries the
// informational IDEMPOTENT_REPLAY marker so a caller can tell a replay
// from a fresh execution.
func cachedResult(spec *flowspec.FlowSpec, cached idempotency.Result) *RunResult {
	output, _ := cached.Output.(map[string]any)
	return &RunResult{
		Status:    cached.Status,
		Flow:      spec.Name(),
		FlowID:    spec.FlowID(),
		FlowRev:   spec.Revision(),
		Output:    output,
		ErrorCode: string(tmerrors.CodeIdempotentReplay),
	}
}

// runOnce performs admission, governance, the DAG walk (or deferred
// handoff), and run-listener notification for a single attempt. It never
// touches the idempotency store directly — Run's singleflight wrapper
// owns that so a joined-in-flight caller and its leader see identical
// bookkeeping.
func (r *Runtime) runOnce(ctx context.Context, spec *flowspec.FlowSpec, inputs map[string]any, opts RunOptions) *RunResult {
	runID := uuid.NewString()
	startTS := time.Now()
	admitted := false

	result := func() *RunResult {
		if err := r.cfg.Governance.PreRun(ctx, spec.Name(), spec.FlowID(), inputs); err != nil {
			code := tmerrors.CodePolicyForbidden
			var admitErr *tmerrors.AdmissionError
			if errors.As(err, &admitErr) && admitErr.Code != "" {
				code = admitErr.Code
			}
			return rejectionResult(spec, runID, code, err)
		}

		admitCtx := ctx
		if r.cfg.QueueWaitTimeoutMS > 0 {
			var cancel context.CancelFunc
			admitCtx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.QueueWaitTimeoutMS)*time.Millisecond)
			defer cancel()
		}

		queuedStart := time.Now()
		if err := r.admission.enter(admitCtx); err != nil {
			var admitErr *tmerrors.AdmissionError
			if errors.As(err, &admitErr) {
				return rejectionResult(spec, runID, admitErr.Code, err)
			}
			return rejectionResult(spec, runID, tmerrors.CodeCancelled, err)
		}
		admitted = true
		queuedMs := time.Since(queuedStart).Milliseconds()

		execStart := time.Now()
		res := r.execute(ctx, spec, runID, inputs, opts)
		res.QueuedMs = queuedMs
		res.ExecMs = time.Since(execStart).Milliseconds()
		return res
	}()

	result.StartTS = startTS
	result.EndTS = time.Now()
	result.DurationMs = result.EndTS.Sub(startTS).Milliseconds()

	// Listeners observe the record before the admission slot frees, so
	// nothing they read can be raced by a run admitted into this slot.
	for _, listener := range r.cfg.RunListeners {
		listener(result)
	}
	if admitted {
		r.admission.release()
	}
	return result
}

func rejectionResult(spec *flowspec.FlowSpec, runID string, code tmerrors.Code, cause error) *RunResult {
	return &RunResult{
		Status:       "rejected",
		RunID:        runID,
		Flow:         spec.Name(),
		FlowID:       spec.FlowID(),
		FlowRev:      spec.Revision(),
		ErrorCode:    string(code),
		ErrorMessage: cause.Error(),
	}
}

// execute runs the DAG walk (immediate mode) or the deferred handoff
// wrapping it (deferred mode), and shapes the outcome into a RunResult.
func (r *Runtime) execute(ctx context.Context, spec *flowspec.FlowSpec, runID string, inputs map[string]any, opts RunOptions) *RunResult {
	mode := r.cfg.Policies.ResponseMode
	if opts.ResponseMode != "" {
		mode = opts.ResponseMode
	}

	if mode == ResponseDeferred {
		return r.executeDeferred(ctx, spec, runID, inputs)
	}
	return r.executeImmediate(ctx, spec, runID, inputs)
}

func (r *Runtime) executeImmediate(ctx context.Context, spec *flowspec.FlowSpec, runID string, inputs map[string]any) *RunResult {
	rc := r.newRunContext(spec, runID, inputs)
	state := copyState(inputs)
	finalState, code, msg, err := r.walkChain(ctx, rc, spec.Entrypoint(), state)

	res := &RunResult{
		RunID:   runID,
		Flow:    spec.Name(),
		FlowID:  spec.FlowID(),
		FlowRev: spec.Revision(),
		Output:  finalState,
	}
	if err != nil {
		res.Status = "error"
		res.ErrorCode = code
		res.ErrorMessage = msg
		return res
	}
	res.Status = "ok"
	return res
}
