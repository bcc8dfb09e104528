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
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/tracemind/pkg/binlog"
	tmerrors "github.com/tombee/tracemind/pkg/errors"
	"github.com/tombee/tracemind/pkg/flowspec"
	"github.com/tombee/tracemind/pkg/idempotency"
	"github.com/tombee/tracemind/pkg/tracesink"
)

func taskStep(name string, next ...string) flowspec.StepDef {
	return flowspec.StepDef{
		Name:      name,
		Operation: flowspec.Task,
		NextSteps: next,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			return map[string]any{name + "_ran": true}, nil
		},
	}
}

func finishStep(name string) flowspec.StepDef {
	return flowspec.StepDef{Name: name, Operation: flowspec.Finish}
}

func TestRuntime_SimpleTaskChainRunsToFinish(t *testing.T) {
	spec := flowspec.New("greet", "")
	require.NoError(t, spec.AddStep(taskStep("start", "done")))
	require.NoError(t, spec.AddStep(finishStep("done")))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "greet", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
	require.Equal(t, true, res.Output["start_ran"])
}

func TestRuntime_SwitchLiteralKeyRoutesToNamedStep(t *testing.T) {
	spec := flowspec.New("route", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name:      "pick",
		Operation: flowspec.Switch,
		NextSteps: []string{"a", "b"},
		Config:    map[string]any{"key": "b"},
	}))
	require.NoError(t, spec.AddStep(finishStep("a")))
	require.NoError(t, spec.AddStep(finishStep("b")))
	require.NoError(t, spec.SetEntrypoint("pick"))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "route", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
}

func TestRuntime_SwitchExpressionRoutesUsingState(t *testing.T) {
	spec := flowspec.New("route_expr", "")
	require.NoError(t, spec.AddStep(taskStep("start", "pick")))
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name:      "pick",
		Operation: flowspec.Switch,
		NextSteps: []string{"hot", "cold"},
		Config:    map[string]any{"key": `state.temp > 50 ? "hot" : "cold"`},
	}))
	require.NoError(t, spec.AddStep(finishStep("hot")))
	require.NoError(t, spec.AddStep(finishStep("cold")))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "route_expr", map[string]any{"temp": 90}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
}

func TestRuntime_SwitchFallsBackToDefault(t *testing.T) {
	spec := flowspec.New("route_default", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name:      "pick",
		Operation: flowspec.Switch,
		NextSteps: []string{"a", "b"},
		Config:    map[string]any{"key": "unresolvable_expr_var_nope", "default": "a"},
	}))
	require.NoError(t, spec.AddStep(finishStep("a")))
	require.NoError(t, spec.AddStep(finishStep("b")))
	require.NoError(t, spec.SetEntrypoint("pick"))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "route_default", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
}

func TestRuntime_SwitchNoMatchReportsError(t *testing.T) {
	spec := flowspec.New("route_nomatch", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name:      "pick",
		Operation: flowspec.Switch,
		NextSteps: []string{"a"},
		Config:    map[string]any{"key": "neither_a_literal_nor_in_scope"},
	}))
	require.NoError(t, spec.AddStep(finishStep("a")))
	require.NoError(t, spec.SetEntrypoint("pick"))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "route_nomatch", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "error", res.Status)
	require.Contains(t, res.ErrorMessage, string(tmerrors.CodeSwitchNoMatch))
}

func TestRuntime_ParallelMergesBranchOutputsInListOrder(t *testing.T) {
	spec := flowspec.New("fanout", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name:      "split",
		Operation: flowspec.Parallel,
		NextSteps: []string{"join"},
		Config:    map[string]any{"branches": []string{"left", "right"}},
	}))
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name: "left", Operation: flowspec.Task,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			return map[string]any{"winner": "left"}, nil
		},
	}))
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name: "right", Operation: flowspec.Task,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			return map[string]any{"winner": "right"}, nil
		},
	}))
	require.NoError(t, spec.AddStep(finishStep("join")))
	require.NoError(t, spec.SetEntrypoint("split"))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "fanout", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
	// "right" is listed after "left" in config[branches], so it wins the merge.
	require.Equal(t, "right", res.Output["winner"])
}

func TestRuntime_GovernancePreRunRejectsBeforeAdmission(t *testing.T) {
	spec := flowspec.New("gated", "")
	require.NoError(t, spec.AddStep(taskStep("start")))

	rt := New(Config{Governance: denyAllGovernance{}})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "gated", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "rejected", res.Status)
	require.Equal(t, string(tmerrors.CodePolicyForbidden), res.ErrorCode)
}

type denyAllGovernance struct{}

func (denyAllGovernance) PreRun(context.Context, string, string, map[string]any) error {
	return fmt.Errorf("policy denies all runs")
}
func (denyAllGovernance) PerStep(context.Context, *flowspec.StepContext) error { return nil }

func TestRuntime_OnErrorHookRunsAndTaskErrorIsReported(t *testing.T) {
	var onErrorSeen error
	spec := flowspec.New("failing", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name: "boom", Operation: flowspec.Task,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			return nil, fmt.Errorf("kaboom")
		},
		OnError: func(_ context.Context, sc *flowspec.StepContext, cause error) error {
			onErrorSeen = cause
			return cause
		},
	}))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "failing", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "error", res.Status)
	require.Error(t, onErrorSeen)
}

func TestRuntime_AfterHookFailureFailsTheStep(t *testing.T) {
	var onErrorRan bool
	spec := flowspec.New("after_fails", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name: "start", Operation: flowspec.Task,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			return map[string]any{"ran": true}, nil
		},
		After: func(_ context.Context, sc *flowspec.StepContext, output map[string]any) error {
			return fmt.Errorf("after blew up")
		},
		OnError: func(_ context.Context, sc *flowspec.StepContext, cause error) error {
			onErrorRan = true
			return cause
		},
	}))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "after_fails", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "error", res.Status)
	require.Contains(t, res.ErrorMessage, "after blew up")
	require.True(t, onErrorRan)
}

func TestRuntime_TraceSpansAreDenseAndZeroBased(t *testing.T) {
	dir := t.TempDir()
	writer, err := binlog.NewWriter(dir, 0, false)
	require.NoError(t, err)
	sink := tracesink.New(writer, nil, 0)

	spec := flowspec.New("traced", "")
	require.NoError(t, spec.AddStep(taskStep("one", "two")))
	require.NoError(t, spec.AddStep(taskStep("two", "done")))
	require.NoError(t, spec.AddStep(finishStep("done")))

	rt := New(Config{TraceSink: sink})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "traced", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
	require.NoError(t, sink.Close())

	frames, err := binlog.ReadAll(dir)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	for i, frame := range frames {
		require.Equal(t, "FlowTrace", frame.Type)
		var span tracesink.TraceSpan
		require.NoError(t, json.Unmarshal(frame.Payload, &span))
		require.Equal(t, i, span.Seq)
		require.Equal(t, res.RunID, span.RunID)
		require.Equal(t, "ok", span.Status)
	}
}

func TestRuntime_CancelledContextAbortsWalkWithCancelledCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spec := flowspec.New("cancels", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name: "first", Operation: flowspec.Task, NextSteps: []string{"second"},
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			cancel() // external cancellation lands mid-run
			return nil, nil
		},
	}))
	require.NoError(t, spec.AddStep(taskStep("second")))

	rt := New(Config{})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(ctx, "cancels", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "error", res.Status)
	require.Equal(t, string(tmerrors.CodeCancelled), res.ErrorCode)
}

func TestRuntime_IdempotencyJoinInFlightRunsStepOnce(t *testing.T) {
	var calls int64
	release := make(chan struct{})

	spec := flowspec.New("dedup", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name: "slow", Operation: flowspec.Task,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			atomic.AddInt64(&calls, 1)
			<-release
			return map[string]any{"done": true}, nil
		},
	}))

	rt := New(Config{MaxConcurrency: 4})
	require.NoError(t, rt.RegisterFlow(spec))

	var wg sync.WaitGroup
	results := make([]*RunResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := rt.Run(context.Background(), "dedup", nil, RunOptions{IdempotencyKey: "same-key"})
			require.NoError(t, err)
			results[i] = res
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let both callers join the singleflight group
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
	require.Equal(t, "ok", results[0].Status)
	require.Equal(t, "ok", results[1].Status)
}

func TestRuntime_IdempotencyKeyReplaysWithinTTLAndReExecutesAfterExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := idempotency.New(idempotency.Config{Capacity: 10, Clock: func() time.Time { return now }})

	var calls atomic.Int64
	spec := flowspec.New("cached", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name: "count", Operation: flowspec.Task,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"calls": calls.Load()}, nil
		},
	}))

	rt := New(Config{IdempotencyTTLSec: 60, Idempotency: store})
	require.NoError(t, rt.RegisterFlow(spec))

	opts := RunOptions{IdempotencyKey: "K"}
	res1, err := rt.Run(context.Background(), "cached", nil, opts)
	require.NoError(t, err)
	require.Equal(t, "ok", res1.Status)
	require.EqualValues(t, 1, calls.Load())

	res2, err := rt.Run(context.Background(), "cached", nil, opts)
	require.NoError(t, err)
	require.Equal(t, res1.Output, res2.Output) // replayed, not re-executed
	require.Equal(t, string(tmerrors.CodeIdempotentReplay), res2.ErrorCode)
	require.EqualValues(t, 1, calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = rt.Run(context.Background(), "cached", nil, opts)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestRuntime_DeferredRunIsRedeemedAfterBackgroundCompletion(t *testing.T) {
	spec := flowspec.New("async", "")
	require.NoError(t, spec.AddStep(taskStep("start")))

	rt := New(Config{Policies: Policies{AllowDeferred: true, ResponseMode: ResponseDeferred}})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "async", nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
	require.Equal(t, "pending", res.Output["status"])
	require.NotEmpty(t, res.Token)
	require.Equal(t, res.Token, res.Output["token"])

	require.Eventually(t, func() bool {
		final, ready := rt.Redeem(res.Token)
		if !ready {
			return false
		}
		require.Equal(t, "ok", final.Status)
		require.Equal(t, true, final.Output["start_ran"])
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestRuntime_DeferredRunWithReqIDReturnsReadyAfterExternalSignal(t *testing.T) {
	spec := flowspec.New("async", "")
	require.NoError(t, spec.AddStep(taskStep("start")))

	rt := New(Config{Policies: Policies{AllowDeferred: true, ResponseMode: ResponseDeferred}})
	require.NoError(t, rt.RegisterFlow(spec))

	res, err := rt.Run(context.Background(), "async", map[string]any{"req_id": "R1"}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
	require.Equal(t, "pending", res.Output["status"])
	require.NotEmpty(t, res.Token)

	// Completion arrives from outside, keyed on the caller's req_id.
	rt.Correlator().Signal("R1", map[string]any{"status": "ready", "ok": true})

	res2, err := rt.Run(context.Background(), "async", map[string]any{"req_id": "R1"}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res2.Status)
	require.Equal(t, "ready", res2.Output["status"])
	require.Equal(t, map[string]any{"status": "ready", "ok": true}, res2.Output["result"])
}

func TestRuntime_DeferredRunConsumesSignalBufferedBeforeAnyReservation(t *testing.T) {
	spec := flowspec.New("async", "")
	require.NoError(t, spec.AddStep(taskStep("start")))

	rt := New(Config{Policies: Policies{AllowDeferred: true, ResponseMode: ResponseDeferred}})
	require.NoError(t, rt.RegisterFlow(spec))

	// Signal lands before any run reserved this req_id.
	rt.Correlator().Signal("R2", map[string]any{"done": true})

	res, err := rt.Run(context.Background(), "async", map[string]any{"req_id": "R2"}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)
	require.Equal(t, "ready", res.Output["status"])
	require.Equal(t, map[string]any{"done": true}, res.Output["result"])
}

func TestRuntime_OverloadRejectsWithQueueFullAndHonorsConcurrencyCap(t *testing.T) {
	var active, peak atomic.Int64

	spec := flowspec.New("busy", "")
	require.NoError(t, spec.AddStep(flowspec.StepDef{
		Name: "sleep", Operation: flowspec.Task,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	}))

	rt := New(Config{MaxConcurrency: 4, QueueCapacity: 2})
	require.NoError(t, rt.RegisterFlow(spec))

	const total = 50
	var wg sync.WaitGroup
	var ok, rejected atomic.Int64
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rt.Run(context.Background(), "busy", nil, RunOptions{})
			require.NoError(t, err)
			switch res.Status {
			case "ok":
				ok.Add(1)
			case "rejected":
				require.Equal(t, string(tmerrors.CodeQueueFull), res.ErrorCode)
				rejected.Add(1)
			default:
				t.Errorf("unexpected status %q", res.Status)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, total, ok.Load()+rejected.Load())
	require.Positive(t, rejected.Load())
	require.LessOrEqual(t, peak.Load(), int64(4))
}

func TestAdmission_RejectsWhenQueueFull(t *testing.T) {
	a := newAdmission(1, 1) // 1 concurrency slot, room for exactly one waiter
	ctx := context.Background()

	require.NoError(t, a.enter(ctx)) // takes the one concurrency slot

	var wg sync.WaitGroup
	wg.Add(1)
	var secondErr error
	go func() {
		defer wg.Done()
		secondErr = a.enter(ctx) // takes the one waiting-room ticket
	}()
	time.Sleep(10 * time.Millisecond)

	// A third caller finds both the slot and the waiting room occupied.
	err := a.enter(ctx)
	require.Error(t, err)
	var admitErr *tmerrors.AdmissionError
	require.ErrorAs(t, err, &admitErr)
	require.Equal(t, tmerrors.CodeQueueFull, admitErr.Code)

	a.release()
	wg.Wait()
	require.NoError(t, secondErr)
	a.release()
}

func TestAdmission_ZeroQueueCapacityStillAdmitsWhenSlotIsFree(t *testing.T) {
	a := newAdmission(1, 0)
	require.NoError(t, a.enter(context.Background()))

	err := a.enter(context.Background())
	var admitErr *tmerrors.AdmissionError
	require.ErrorAs(t, err, &admitErr)
	require.Equal(t, tmerrors.CodeQueueFull, admitErr.Code)

	a.release()
	require.NoError(t, a.enter(context.Background()))
	a.release()
}

func TestAdmission_TimesOutWaitingForConcurrencySlot(t *testing.T) {
	a := newAdmission(1, 2)
	require.NoError(t, a.enter(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.enter(ctx)
	require.Error(t, err)
	var admitErr *tmerrors.AdmissionError
	require.ErrorAs(t, err, &admitErr)
	require.Equal(t, tmerrors.CodeQueueTimeout, admitErr.Code)

	a.release()
}

func TestSwitchEvaluator_ResolveStringifiesNonStringResults(t *testing.T) {
	ev := newSwitchEvaluator()
	v, err := ev.resolve("1 + 1", nil)
	require.NoError(t, err)
	require.Equal(t, "2", v)
}

func TestSwitchEvaluator_ResolveCachesCompiledProgram(t *testing.T) {
	ev := newSwitchEvaluator()
	_, err := ev.resolve(`state.x`, map[string]any{"state": map[string]any{"x": "first"}})
	require.NoError(t, err)
	require.Len(t, ev.cache, 1)
	v, err := ev.resolve(`state.x`, map[string]any{"state": map[string]any{"x": "second"}})
	require.NoError(t, err)
	require.Equal(t, "second", v)
	require.Len(t, ev.cache, 1) // same expression text, cache hit rather than a second entry
}
