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

	"github.com/tombee/tracemind/pkg/flowspec"
)

// Governance is the gating surface FlowRuntime consults before admission
// and before each step (spec §6's POLICY_FORBIDDEN / GUARD_BLOCKED /
// RATE_LIMITED error codes). Concrete policy content lives outside this
// module (pkg/governance ships a permissive default); the runtime only
// depends on this interface, never on a specific policy implementation.
type Governance interface {
	// PreRun gates admission for a whole run. A non-nil error rejects the
	// run before it is queued; no trace span is produced.
	PreRun(ctx context.Context, flow, flowID string, inputs map[string]any) error

	// PerStep gates one step before its hooks run. A non-nil error
	// terminates the walk at that step as a rejection.
	PerStep(ctx context.Context, sc *flowspec.StepContext) error
}

// NoGovernance is the zero-cost Governance that allows everything.
type NoGovernance struct{}

// PreRun implements Governance.
func (NoGovernance) PreRun(context.Context, string, string, map[string]any) error { return nil }

// PerStep implements Governance.
func (NoGovernance) PerStep(context.Context, *flowspec.StepContext) error { return nil }
