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

// Package governance provides the default implementation of
// flowruntime.Governance: an allow-list of flows, a per-flow rate
// limiter, and a pluggable guard-check hook. Concrete policy content
// (what a deployment actually wants to forbid) stays out of this
// module per spec §1 — this package only supplies the mechanism, the
// same split the teacher keeps between its security framework's
// interface surface and a deployment's actual policy file.
package governance

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tombee/tracemind/pkg/errors"
	"github.com/tombee/tracemind/pkg/flowspec"
)

// GuardFunc inspects a step before it runs and returns a non-nil error
// to block it. It is the extension point for deployment-specific
// per-step policy (spec §6's GUARD_BLOCKED code).
type GuardFunc func(ctx context.Context, sc *flowspec.StepContext) error

// Policy is the default Governance implementation: an optional flow
// allow-list, an optional per-flow rate limiter, and a list of guard
// checks consulted in order for every step.
type Policy struct {
	mu sync.Mutex

	allowedFlows map[string]bool // nil means "all flows allowed"
	limiters     map[string]*rate.Limiter
	limiterRate  rate.Limit
	limiterBurst int
	guards       []GuardFunc
}

// Config configures a Policy.
type Config struct {
	// AllowedFlows restricts PreRun to these flow names. Empty means
	// every flow is allowed.
	AllowedFlows []string
	// RatePerSecond and Burst bound how often any single flow name may
	// be admitted, using one token-bucket limiter per flow name lazily
	// created on first use. Zero RatePerSecond disables rate limiting.
	RatePerSecond float64
	Burst         int
	// Guards run, in order, before every step. The first non-nil error
	// blocks the step.
	Guards []GuardFunc
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	p := &Policy{
		limiters:     make(map[string]*rate.Limiter),
		limiterRate:  rate.Limit(cfg.RatePerSecond),
		limiterBurst: cfg.Burst,
		guards:       cfg.Guards,
	}
	if len(cfg.AllowedFlows) > 0 {
		p.allowedFlows = make(map[string]bool, len(cfg.AllowedFlows))
		for _, f := range cfg.AllowedFlows {
			p.allowedFlows[f] = true
		}
	}
	return p
}

// PreRun implements flowruntime.Governance.
func (p *Policy) PreRun(ctx context.Context, flow, flowID string, inputs map[string]any) error {
	if p.allowedFlows != nil && !p.allowedFlows[flow] {
		return &errors.AdmissionError{Code: errors.CodePolicyForbidden, Reason: fmt.Sprintf("flow %q is not on the allow-list", flow)}
	}
	if p.limiterRate > 0 {
		if !p.limiterFor(flow).Allow() {
			return &errors.AdmissionError{Code: errors.CodeRateLimited, Reason: fmt.Sprintf("flow %q exceeded its rate limit", flow)}
		}
	}
	return nil
}

// PerStep implements flowruntime.Governance.
func (p *Policy) PerStep(ctx context.Context, sc *flowspec.StepContext) error {
	for _, guard := range p.guards {
		if err := guard(ctx, sc); err != nil {
			return &errors.AdmissionError{Code: errors.CodeGuardBlocked, Reason: err.Error()}
		}
	}
	return nil
}

func (p *Policy) limiterFor(flow string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[flow]
	if !ok {
		l = rate.NewLimiter(p.limiterRate, p.limiterBurst)
		p.limiters[flow] = l
	}
	return l
}

// AllowGovernance is a Policy with no allow-list, no rate limit, and no
// guards: functionally identical to flowruntime.NoGovernance but
// constructed through this package. A Policy has no setters; its
// settings are fixed by New.
func AllowGovernance() *Policy { return New(Config{}) }
