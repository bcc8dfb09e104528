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
	"time"

	tmerrors "github.com/tombee/tracemind/pkg/errors"
	"github.com/tombee/tracemind/pkg/flowspec"
)

// deferredPayload is the runtime's own completion signal for a deferred
// run whose caller supplied no req_id: once walkChain returns, the
// runtime signals itself under the run's id so a later Redeem observes
// the walk's outcome.
type deferredPayload struct {
	Status       string
	Output       map[string]any
	ErrorCode    string
	ErrorMessage string
}

// executeDeferred hands a run off to the correlation hub: the caller
// immediately gets back output {status: pending, token} and redeems the
// token later, per spec §4.1.2. The hub key is the caller's
// inputs["req_id"] when present — the handle an external system signals
// completion under — and the run's own id otherwise, in which case the
// runtime signals itself once the walk finishes.
func (r *Runtime) executeDeferred(ctx context.Context, spec *flowspec.FlowSpec, runID string, inputs map[string]any) *RunResult {
	if !r.cfg.Policies.AllowDeferred {
		return &RunResult{
			RunID:        runID,
			Flow:         spec.Name(),
			FlowID:       spec.FlowID(),
			FlowRev:      spec.Revision(),
			Status:       "rejected",
			ErrorCode:    string(tmerrors.CodeDeferredDisabled),
			ErrorMessage: "deferred execution is disabled for this runtime",
		}
	}

	reqID, external := runID, false
	if v, ok := inputs["req_id"].(string); ok && v != "" {
		reqID, external = v, true
	}

	// A signal that already arrived for this req_id resolves the call
	// without a new run: buffered ahead of any reservation, or attached
	// to an earlier run's reservation nobody redeemed yet.
	if value, ok := r.hub.ConsumeSignal(reqID); ok {
		return deferredOutcome(spec, runID, value)
	}
	if value, ok := r.hub.ConsumeReady(reqID); ok {
		return deferredOutcome(spec, runID, value)
	}

	token := r.hub.Reserve(spec.Name(), map[string]any{"req_id": reqID})

	// Detached from ctx deliberately: a caller that has already received
	// its token and moved on must not have the background walk cancelled
	// by its own request context going away.
	go func() {
		rc := r.newRunContext(spec, runID, inputs)
		state := copyState(inputs)
		finalState, code, msg, err := r.walkChain(context.Background(), rc, spec.Entrypoint(), state)

		if external {
			// Completion belongs to whatever system owns req_id (a step
			// or an outside caller signals it); the walk ran for its side
			// effects.
			if err != nil {
				r.logger.Warn("flowruntime: deferred walk failed", "flow", spec.Name(), "run_id", runID, "req_id", reqID, "error", err)
			}
			return
		}

		payload := deferredPayload{Status: "ok", Output: finalState}
		if err != nil {
			payload.Status = "error"
			payload.ErrorCode = code
			payload.ErrorMessage = msg
		}
		r.hub.Signal(reqID, payload)
	}()

	result := &RunResult{
		RunID:   runID,
		Flow:    spec.Name(),
		FlowID:  spec.FlowID(),
		FlowRev: spec.Revision(),
		Status:  "ok",
		Output:  map[string]any{"status": "pending", "token": token},
		Token:   token,
	}

	if r.cfg.Policies.ShortWaitS > 0 {
		if ready, out := r.pollShortWait(token); ready {
			return out
		}
	}
	return result
}

// deferredOutcome shapes an already-arrived signal as this call's
// RunResult.
func deferredOutcome(spec *flowspec.FlowSpec, runID string, value any) *RunResult {
	res := redeemedResult(spec.Name(), value)
	res.RunID = runID
	res.FlowID = spec.FlowID()
	res.FlowRev = spec.Revision()
	return res
}

// pollShortWait gives a deferred run a brief window to finish before
// Run returns, so a fast-completing flow still looks synchronous to a
// caller that did not explicitly ask for the pending state (spec
// §4.1.2's short_wait_s knob).
func (r *Runtime) pollShortWait(token string) (bool, *RunResult) {
	deadline := time.Now().Add(time.Duration(r.cfg.Policies.ShortWaitS * float64(time.Second)))
	for {
		if res, ready := r.Redeem(token); ready {
			return true, res
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Redeem reports the outcome of a token returned by a deferred Run
// call. ready is false while no matching signal has arrived yet; the
// caller should retry later. Redeeming consumes the reservation: a
// second Redeem call for the same token reports not-found.
func (r *Runtime) Redeem(token string) (result *RunResult, ready bool) {
	flow, _, signalReady, found := r.hub.Resolve(token)
	if !found {
		return nil, false
	}
	if !signalReady {
		return &RunResult{
			Flow:   flow,
			Status: "ok",
			Output: map[string]any{"status": "pending", "token": token},
			Token:  token,
		}, false
	}
	_, value, _, _ := r.hub.Consume(token)
	return redeemedResult(flow, value), true
}

// redeemedResult shapes a consumed signal value: the runtime's own
// deferredPayload carries the walk outcome through directly; any other
// payload came from an external signaler and is wrapped as a ready
// result.
func redeemedResult(flow string, value any) *RunResult {
	if p, ok := value.(deferredPayload); ok {
		return &RunResult{
			Flow:         flow,
			Status:       p.Status,
			Output:       p.Output,
			ErrorCode:    p.ErrorCode,
			ErrorMessage: p.ErrorMessage,
		}
	}
	return &RunResult{
		Flow:   flow,
		Status: "ok",
		Output: map[string]any{"status": "ready", "result": value},
	}
}
