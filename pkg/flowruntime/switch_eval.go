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
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// switchEvaluator resolves a SWITCH step's config["key"] to the name of
// the successor step to take (spec §4.1.1), caching compiled programs
// keyed by expression text. Adapted from the teacher's condition
// evaluator (pkg/workflow/expression/evaluator.go): same
// compile-then-cache shape, generalized from gating a single boolean
// condition to resolving an arbitrary value that is then stringified
// and matched against a step's NextSteps.
type switchEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newSwitchEvaluator() *switchEvaluator {
	return &switchEvaluator{cache: make(map[string]*vm.Program)}
}

// resolve runs expression against env and stringifies whatever it
// returns. A nil result resolves to the empty string rather than an
// error, so a SWITCH step can fall through to config["default"].
func (e *switchEvaluator) resolve(expression string, env map[string]any) (string, error) {
	if expression == "" {
		return "", nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return "", fmt.Errorf("flowruntime: compile switch expression %q: %w", expression, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return "", fmt.Errorf("flowruntime: evaluate switch expression %q: %w", expression, err)
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

func (e *switchEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}
