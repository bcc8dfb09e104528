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

// Package demoflows builds the handful of flowspec.FlowSpec graphs the
// cmd/tracemindd harness registers so `run` and `worker` have something
// runnable to exercise: real step bodies are opaque user code out of
// scope for this module (spec §1), but a harness with nothing to run
// isn't much of a harness. "echo" and "route" mirror spec §8's S1/S2
// scenario graphs so a manual run of the CLI traces the same DAG shapes
// the test suite checks.
package demoflows

import (
	"context"
	"fmt"

	"github.com/tombee/tracemind/pkg/flowspec"
)

// Echo builds a single-TASK flow that copies its inputs into state under
// "echoed" and finishes.
func Echo() *flowspec.FlowSpec {
	spec := flowspec.New("echo", "")
	_ = spec.AddStep(flowspec.StepDef{
		Name:      "start",
		Operation: flowspec.Task,
		Run: func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			return map[string]any{"echoed": sc.Inputs}, nil
		},
	})
	return spec
}

// Route builds the SWITCH demo graph from spec §8 S1/S2: start -> router
// (SWITCH on inputs.route, default "left") -> {left, right} -> finish.
// Each branch records which path state.steps took, so callers can
// confirm routing without a real step body of their own.
func Route() *flowspec.FlowSpec {
	spec := flowspec.New("route", "")

	record := func(name string) flowspec.RunFunc {
		return func(_ context.Context, sc *flowspec.StepContext) (map[string]any, error) {
			steps, _ := sc.State["steps"].([]string)
			return map[string]any{"steps": append(append([]string{}, steps...), name)}, nil
		}
	}

	_ = spec.AddStep(flowspec.StepDef{Name: "start", Operation: flowspec.Task, NextSteps: []string{"router"}, Run: record("start")})
	_ = spec.AddStep(flowspec.StepDef{
		Name:      "router",
		Operation: flowspec.Switch,
		NextSteps: []string{"left", "right"},
		Config:    map[string]any{"key": "inputs.route", "default": "left"},
		Run:       record("router"),
	})
	_ = spec.AddStep(flowspec.StepDef{Name: "left", Operation: flowspec.Task, NextSteps: []string{"finish"}, Run: record("left")})
	_ = spec.AddStep(flowspec.StepDef{Name: "right", Operation: flowspec.Task, NextSteps: []string{"finish"}, Run: record("right")})
	_ = spec.AddStep(flowspec.StepDef{Name: "finish", Operation: flowspec.Finish, Run: record("finish")})

	return spec
}

// ByName returns the built-in demo flow named name, for the run/worker
// subcommands to register by flag value.
func ByName(name string) (*flowspec.FlowSpec, error) {
	switch name {
	case "echo":
		return Echo(), nil
	case "route":
		return Route(), nil
	default:
		return nil, fmt.Errorf("demoflows: unknown flow %q (want \"echo\" or \"route\")", name)
	}
}

// Names lists the built-in flows, for help text and the worker pool's
// RunFunc dispatch.
func Names() []string { return []string{"echo", "route"} }
