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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	tmerrors "github.com/tombee/tracemind/pkg/errors"
	"github.com/tombee/tracemind/pkg/flowspec"
	"github.com/tombee/tracemind/pkg/tracesink"
)

// maxStepVisits bounds how many times a single step name may be entered
// within one run's walk: the loop breaker for cyclic NextSteps graphs,
// which flowspec.Validate does not reject.
const maxStepVisits = 1000

// runContext is per-run state threaded through the whole DAG walk,
// including any PARALLEL branches it fans out to. seq is a single
// counter shared across branches so trace span Seq stays dense and
// monotonic for the run as a whole, per spec §3's "seq is dense...
// assigned in the order steps are entered" invariant.
type runContext struct {
	spec   *flowspec.FlowSpec
	runID  string
	inputs map[string]any
	seq    *atomic.Int64
}

func (r *Runtime) newRunContext(spec *flowspec.FlowSpec, runID string, inputs map[string]any) *runContext {
	return &runContext{spec: spec, runID: runID, inputs: inputs, seq: new(atomic.Int64)}
}

// copyState returns a shallow copy of m, or an empty map if m is nil.
func copyState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// walkChain walks the DAG starting at stepName until a FINISH step, a
// TASK/SWITCH/PARALLEL step with no NextSteps, or an error terminates
// it. It returns the final state, and on error a (code, message) pair
// suitable for RunResult/TraceSpan.
func (r *Runtime) walkChain(ctx context.Context, rc *runContext, stepName string, state map[string]any) (map[string]any, string, string, error) {
	visits := make(map[string]int)
	current := stepName

	for {
		def, ok := rc.spec.Step(current)
		if !ok {
			err := &tmerrors.StructuralError{Flow: rc.spec.Name(), Step: current, Message: "step not found"}
			return state, string(tmerrors.CodeStructural), err.Error(), err
		}

		visits[current]++
		if visits[current] > maxStepVisits {
			err := &tmerrors.StructuralError{Flow: rc.spec.Name(), Step: current, Message: "step visited too many times, suspected cycle"}
			return state, string(tmerrors.CodeStructural), err.Error(), err
		}

		sc := &flowspec.StepContext{
			Step:   def.Name,
			Flow:   rc.spec.Name(),
			FlowID: rc.spec.FlowID(),
			RunID:  rc.runID,
			Inputs: rc.inputs,
			State:  state,
			Config: def.Config,
		}

		// External cancellation or timeout aborts before the next step's
		// hooks rather than mid-hook.
		if cerr := ctx.Err(); cerr != nil {
			_, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, time.Now(), cerr)
			return state, code, msg, stepErr
		}

		if err := r.cfg.Governance.PerStep(ctx, sc); err != nil {
			code := tmerrors.CodeGuardBlocked
			r.emitSpan(rc, def, time.Now(), time.Now(), "rejected", string(code), err.Error())
			return state, string(code), err.Error(), err
		}

		switch def.Operation {
		case flowspec.Finish:
			newState, _, code, msg, err := r.execStep(ctx, rc, def, sc)
			if err != nil {
				return newState, code, msg, err
			}
			return newState, "", "", nil

		case flowspec.Task:
			newState, _, code, msg, err := r.execStep(ctx, rc, def, sc)
			if err != nil {
				return newState, code, msg, err
			}
			state = newState
			if len(def.NextSteps) == 0 {
				return state, "", "", nil
			}
			current = def.NextSteps[0]

		case flowspec.Switch:
			next, code, msg, err := r.execSwitch(ctx, rc, def, sc)
			if err != nil {
				return state, code, msg, err
			}
			current = next

		case flowspec.Parallel:
			newState, code, msg, err := r.execParallel(ctx, rc, def, sc)
			if err != nil {
				return newState, code, msg, err
			}
			state = newState
			if len(def.NextSteps) == 0 {
				return state, "", "", nil
			}
			current = def.NextSteps[0]

		default:
			err := &tmerrors.StructuralError{Flow: rc.spec.Name(), Step: current, Message: fmt.Sprintf("unknown operation %q", def.Operation)}
			return state, string(tmerrors.CodeStructural), err.Error(), err
		}
	}
}

// execStep runs Before/Run/After/OnError for a TASK or FINISH step and
// emits its trace span. The returned state is sc.State after any
// RunFunc output has been shallow-merged in.
func (r *Runtime) execStep(ctx context.Context, rc *runContext, def *flowspec.StepDef, sc *flowspec.StepContext) (map[string]any, map[string]any, string, string, error) {
	t0 := time.Now()

	if def.Before != nil {
		if err := def.Before(ctx, sc); err != nil {
			return r.onStepError(ctx, rc, def, sc, t0, err)
		}
	}

	var output map[string]any
	if def.Run != nil {
		out, err := def.Run(ctx, sc)
		if err != nil {
			return r.onStepError(ctx, rc, def, sc, t0, err)
		}
		output = out
		for k, v := range output {
			sc.State[k] = v
		}
	}

	if def.After != nil {
		if err := def.After(ctx, sc, output); err != nil {
			return r.onStepError(ctx, rc, def, sc, t0, err)
		}
	}

	r.emitSpan(rc, def, t0, time.Now(), "ok", "", "")
	return sc.State, output, "", "", nil
}

func (r *Runtime) onStepError(ctx context.Context, rc *runContext, def *flowspec.StepDef, sc *flowspec.StepContext, t0 time.Time, cause error) (map[string]any, map[string]any, string, string, error) {
	if def.OnError != nil {
		if err := def.OnError(ctx, sc, cause); err != nil {
			cause = err
		}
	}
	var stepErr *tmerrors.StepError
	if !errors.As(cause, &stepErr) {
		var code tmerrors.Code
		switch {
		case errors.Is(cause, context.Canceled):
			code = tmerrors.CodeCancelled
		case errors.Is(cause, context.DeadlineExceeded):
			code = tmerrors.CodeTimeout
		}
		stepErr = &tmerrors.StepError{Step: def.Name, Code: code, Cause: cause}
	}
	r.emitSpan(rc, def, t0, time.Now(), "error", string(stepErr.Code), stepErr.Error())
	return sc.State, nil, string(stepErr.Code), stepErr.Error(), stepErr
}

// execSwitch runs a SWITCH step's hooks like any other step, then
// resolves its successor per spec §4.1.1: config["key"] is first
// matched literally against the step's NextSteps, then (if no literal
// match) compiled and evaluated as an expr-lang expression against the
// run's state/inputs, then falls back to config["default"].
func (r *Runtime) execSwitch(ctx context.Context, rc *runContext, def *flowspec.StepDef, sc *flowspec.StepContext) (string, string, string, error) {
	t0 := time.Now()

	if def.Before != nil {
		if err := def.Before(ctx, sc); err != nil {
			_, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, t0, err)
			return "", code, msg, stepErr
		}
	}

	if def.Run != nil {
		out, err := def.Run(ctx, sc)
		if err != nil {
			_, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, t0, err)
			return "", code, msg, stepErr
		}
		for k, v := range out {
			sc.State[k] = v
		}
	}

	next, err := r.resolveSwitchTarget(def, sc)
	if err != nil {
		_, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, t0, err)
		return "", code, msg, stepErr
	}

	if def.After != nil {
		if err := def.After(ctx, sc, map[string]any{"next": next}); err != nil {
			_, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, t0, err)
			return "", code, msg, stepErr
		}
	}

	r.emitSpan(rc, def, t0, time.Now(), "ok", "", "")
	return next, "", "", nil
}

func (r *Runtime) resolveSwitchTarget(def *flowspec.StepDef, sc *flowspec.StepContext) (string, error) {
	isNextStep := func(name string) bool {
		for _, n := range def.NextSteps {
			if n == name {
				return true
			}
		}
		return false
	}

	if raw, ok := def.Config["key"]; ok {
		if literal, ok := raw.(string); ok {
			if isNextStep(literal) {
				return literal, nil
			}
			env := map[string]any{"state": sc.State, "inputs": sc.Inputs, "config": def.Config}
			resolved, err := r.switchEv.resolve(literal, env)
			if err != nil {
				return "", err
			}
			if isNextStep(resolved) {
				return resolved, nil
			}
		}
	}

	if fallback, ok := def.Config["default"]; ok {
		if name, ok := fallback.(string); ok && isNextStep(name) {
			return name, nil
		}
	}

	return "", &tmerrors.StepError{Step: sc.Step, Code: tmerrors.CodeSwitchNoMatch,
		Cause: fmt.Errorf("no switch case matched and no usable default")}
}

// defaultParallelConcurrency bounds simultaneous branches of one
// PARALLEL step absent an explicit config["concurrency"], matching the
// teacher's DefaultParallelConcurrency (pkg/workflow/executor.go).
const defaultParallelConcurrency = 3

// execParallel fans out to the step names listed in
// config["branches"], walking each as an independent sub-chain from a
// shallow-copied state snapshot (spec §4.1.1's PARALLEL semantics).
// Results are shallow-merged back into state in branch-list order, so a
// later branch's keys win over an earlier one's, mirroring the
// teacher's executeParallel fan-out/collect shape in
// pkg/workflow/executor.go.
func (r *Runtime) execParallel(ctx context.Context, rc *runContext, def *flowspec.StepDef, sc *flowspec.StepContext) (map[string]any, string, string, error) {
	t0 := time.Now()

	if def.Before != nil {
		if err := def.Before(ctx, sc); err != nil {
			newState, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, t0, err)
			return newState, code, msg, stepErr
		}
	}

	branches, err := stringSlice(def.Config["branches"])
	if err != nil {
		newState, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, t0, err)
		return newState, code, msg, stepErr
	}

	limit := defaultParallelConcurrency
	if n, ok := def.Config["concurrency"].(int); ok && n > 0 {
		limit = n
	}

	results := make([]map[string]any, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, branch := range branches {
		i, branch := i, branch
		g.Go(func() error {
			branchState := copyState(sc.State)
			finalState, code, msg, err := r.walkChain(gctx, rc, branch, branchState)
			if err != nil {
				return &tmerrors.StepError{Step: branch, Code: tmerrors.Code(code), Cause: fmt.Errorf("%s", msg)}
			}
			results[i] = finalState
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		newState, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, t0, err)
		return newState, code, msg, stepErr
	}

	merged := copyState(sc.State)
	for _, res := range results {
		for k, v := range res {
			merged[k] = v
		}
	}
	sc.State = merged

	if def.After != nil {
		if err := def.After(ctx, sc, merged); err != nil {
			newState, _, code, msg, stepErr := r.onStepError(ctx, rc, def, sc, t0, err)
			return newState, code, msg, stepErr
		}
	}

	r.emitSpan(rc, def, t0, time.Now(), "ok", "", "")
	return merged, "", "", nil
}

func stringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("flowruntime: config[branches] entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("flowruntime: config[branches] must be a string list, got %T", v)
	}
}

// emitSpan records one TraceSpan for a step execution. Seq is assigned
// from rc's shared counter at emission time, so it stays dense and
// monotonic even when PARALLEL branches emit concurrently.
func (r *Runtime) emitSpan(rc *runContext, def *flowspec.StepDef, t0, t1 time.Time, status, errorCode, errorMessage string) {
	if r.cfg.TraceSink == nil {
		return
	}
	stepID, _ := rc.spec.StepID(def.Name)
	r.cfg.TraceSink.Emit(tracesink.TraceSpan{
		Flow:         rc.spec.Name(),
		FlowID:       rc.spec.FlowID(),
		FlowRev:      rc.spec.Revision(),
		RunID:        rc.runID,
		Step:         def.Name,
		StepID:       stepID,
		Seq:          int(rc.seq.Add(1) - 1), // dense, starting at 0
		T0:           t0,
		T1:           t1,
		Status:       status,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	})
}
