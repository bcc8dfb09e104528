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

// Package flowspec implements the step-graph data model FlowRuntime
// walks: an ordered mapping from step name to StepDef, plus the stable
// flow_id/revision and step_id identifiers described in the TraceMind
// execution substrate spec. Front ends (recipe loaders, DSL compilers,
// programmatic builders) construct a FlowSpec and hand it to
// flowruntime.Runtime; this package has no opinion on where steps came
// from.
package flowspec

import (
	"context"
	"fmt"
)

// Operation identifies what a step does to the DAG walk.
type Operation string

const (
	// Task runs a single step body, then follows NextSteps[0] (or
	// finishes if NextSteps is empty).
	Task Operation = "TASK"
	// Switch evaluates Config["key"] and branches accordingly.
	Switch Operation = "SWITCH"
	// Parallel fans out to the branches named in Config["branches"].
	Parallel Operation = "PARALLEL"
	// Finish terminates the walk successfully with the current state.
	Finish Operation = "FINISH"
)

// StepContext is passed to every hook invocation. Inputs and State are
// shared, mutable maps: Before/Run/After/OnError read and write through
// the same context for a given step execution. The FlowRuntime does not
// synchronize access across concurrent PARALLEL branches beyond the
// shallow-merge described in spec §4.1.1 — branch bodies must not share
// a StepContext.
type StepContext struct {
	Step   string
	Flow   string
	FlowID string
	RunID  string
	Inputs map[string]any
	State  map[string]any
	Config map[string]any
}

// BeforeFunc runs before a step's body. A non-nil error aborts the step
// (OnError runs, After does not).
type BeforeFunc func(ctx context.Context, sc *StepContext) error

// RunFunc executes a step's body. The returned map is shallow-merged
// into sc.State on success.
type RunFunc func(ctx context.Context, sc *StepContext) (map[string]any, error)

// AfterFunc runs after a successful RunFunc. An error here fails the
// step like any other hook exception (OnError runs, the walk stops).
type AfterFunc func(ctx context.Context, sc *StepContext, output map[string]any) error

// OnErrorFunc runs when any other hook returns an error. Returning a
// non-nil error replaces the cause recorded for the step; After never
// runs once a step has failed.
type OnErrorFunc func(ctx context.Context, sc *StepContext, cause error) error

// StepDef describes one node of the DAG.
type StepDef struct {
	Name      string
	Operation Operation
	NextSteps []string
	Config    map[string]any

	Before  BeforeFunc
	Run     RunFunc
	After   AfterFunc
	OnError OnErrorFunc
}

// FlowSpec is an ordered mapping from step name to StepDef plus the
// identifiers derived from its current content (see Revision and
// StepID). Mutation methods are not safe for concurrent use; build a
// FlowSpec on one goroutine before handing it to the runtime.
type FlowSpec struct {
	name       string
	flowID     string
	entrypoint string
	order      []string
	steps      map[string]*StepDef

	// mutations counts structural mutation calls (AddStep,
	// SetEntrypoint). This is what Revision reports as "n" — it is
	// stable across
	// fresh construction of an equivalent flow because equivalent flows
	// are built with the same sequence of one-call-per-step mutations.
	mutations int
}

// New creates an empty FlowSpec. flowID defaults to name if empty.
func New(name, flowID string) *FlowSpec {
	if flowID == "" {
		flowID = name
	}
	return &FlowSpec{
		name:   name,
		flowID: flowID,
		steps:  make(map[string]*StepDef),
	}
}

// Name returns the flow's display name.
func (f *FlowSpec) Name() string { return f.name }

// FlowID returns the flow's stable identifier.
func (f *FlowSpec) FlowID() string { return f.flowID }

// AddStep appends a step to the spec. The first step added becomes the
// entrypoint unless SetEntrypoint is called explicitly afterward.
func (f *FlowSpec) AddStep(def StepDef) error {
	if def.Name == "" {
		return fmt.Errorf("flowspec: step name must not be empty")
	}
	if _, exists := f.steps[def.Name]; exists {
		return fmt.Errorf("flowspec: step %q already defined", def.Name)
	}
	if def.Config == nil {
		def.Config = map[string]any{}
	}
	cp := def
	f.steps[def.Name] = &cp
	f.order = append(f.order, def.Name)
	if f.entrypoint == "" {
		f.entrypoint = def.Name
	}
	f.mutations++
	return nil
}

// SetEntrypoint overrides the inferred entrypoint (first step added).
func (f *FlowSpec) SetEntrypoint(name string) error {
	if _, ok := f.steps[name]; !ok {
		return fmt.Errorf("flowspec: entrypoint %q is not a defined step", name)
	}
	f.entrypoint = name
	f.mutations++
	return nil
}

// Entrypoint returns the step name the DAG walk begins at.
func (f *FlowSpec) Entrypoint() string { return f.entrypoint }

// Step returns the named step definition, or (nil, false) if absent.
func (f *FlowSpec) Step(name string) (*StepDef, bool) {
	s, ok := f.steps[name]
	return s, ok
}

// StepNames returns step names in the order they were added.
func (f *FlowSpec) StepNames() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Validate enforces spec §3's structural invariants: exactly one
// entrypoint, every NextSteps target resolves, and FINISH steps have no
// successors.
func (f *FlowSpec) Validate() error {
	if len(f.steps) == 0 {
		return fmt.Errorf("flowspec: flow %q has no steps", f.flowID)
	}
	if _, ok := f.steps[f.entrypoint]; !ok {
		return fmt.Errorf("flowspec: entrypoint %q is not a defined step", f.entrypoint)
	}
	for name, def := range f.steps {
		if def.Operation == Finish && len(def.NextSteps) > 0 {
			return fmt.Errorf("flowspec: FINISH step %q must not declare next_steps", name)
		}
		for _, next := range def.NextSteps {
			if _, ok := f.steps[next]; !ok {
				return fmt.Errorf("flowspec: step %q targets undefined step %q", name, next)
			}
		}
		if def.Operation == Switch {
			if _, ok := def.Config["key"]; !ok {
				if _, ok := def.Config["default"]; !ok {
					return fmt.Errorf("flowspec: SWITCH step %q needs a config[key] or config[default]", name)
				}
			}
		}
		if def.Operation == Parallel {
			if _, ok := def.Config["branches"]; !ok {
				return fmt.Errorf("flowspec: PARALLEL step %q needs config[branches]", name)
			}
		}
	}
	return nil
}

// Revision returns the flow's current revision as "rev-<n>". n changes
// whenever a step is added or the entrypoint is set, and is stable
// across fresh construction of an equivalent flow.
func (f *FlowSpec) Revision() string {
	return fmt.Sprintf("rev-%d", f.mutations)
}

// StepID returns a stable identifier for the named step, keyed on
// (flow_id, step name, operation, config). Identical across processes
// for structurally equivalent specs.
func (f *FlowSpec) StepID(name string) (string, error) {
	def, ok := f.steps[name]
	if !ok {
		return "", fmt.Errorf("flowspec: unknown step %q", name)
	}
	return stepID(f.flowID, def), nil
}
