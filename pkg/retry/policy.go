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

// Package retry implements the RetryPolicy described in spec §4.5: given
// a flow, the attempt number that just failed, and the cause, decide
// whether the task queue should retry with a backoff delay or route the
// task to the dead letter store. The backoff shape (exponential with a
// capped ceiling and proportional jitter) is grounded on the teacher's
// HTTP client retry transport (pkg/httpclient/retry.go's
// calculateBackoff), generalized from HTTP request attempts to queued
// task attempts.
package retry

import (
	"math"
	"math/rand"
	"sync"

	tmerrors "github.com/tombee/tracemind/pkg/errors"
)

// Action is the outcome of a retry decision.
type Action string

const (
	// ActionRetry means the task should be requeued after DelaySeconds.
	ActionRetry Action = "RETRY"
	// ActionDeadLetter means the task has exhausted its attempts (or hit
	// a non-retryable error) and should move to the dead letter store.
	ActionDeadLetter Action = "DEAD_LETTER"
)

// Decision is the result of evaluating a failed attempt. Reason is set
// on dead-letter decisions ("non_retryable" or "max_attempts") so the
// dead letter record can say why the task landed there.
type Decision struct {
	Action       Action
	DelaySeconds float64
	Reason       string
}

// FlowConfig tunes backoff and dead-lettering for one flow.
type FlowConfig struct {
	// MaxAttempts is the total number of attempts (including the first)
	// before a task is dead-lettered. Must be >= 1.
	MaxAttempts int
	// BaseMS is the backoff for attempt 1, in milliseconds. Zero means
	// retries are scheduled immediately (plus any configured jitter).
	BaseMS float64
	// Factor is the exponential growth rate applied per subsequent
	// attempt (backoff = BaseMS * Factor^(attempt-1)).
	Factor float64
	// JitterMS bounds additive random jitter layered on top of the
	// computed backoff, in milliseconds.
	JitterMS float64
	// DLQAfter, if > 0, overrides MaxAttempts as the attempt count at
	// which a task is dead-lettered even if MaxAttempts is higher —
	// used to dead-letter early for flows with a short patience budget
	// while still reporting a larger nominal MaxAttempts to callers.
	DLQAfter int
}

// DefaultFlowConfig matches the teacher's HTTP client defaults
// (retry.go's Config): a modest capped exponential backoff with 20%
// proportional jitter.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		MaxAttempts: 5,
		BaseMS:      200,
		Factor:      2.0,
		JitterMS:    0, // proportional jitter computed from backoff instead
	}
}

// Policy decides retry vs dead-letter per flow. The zero value is not
// usable; construct with New.
type Policy struct {
	mu        sync.RWMutex
	def       FlowConfig
	perFlow   map[string]FlowConfig
	randFloat func() float64
}

// New creates a Policy with defaultConfig applied to flows with no
// flow-specific override.
func New(defaultConfig FlowConfig) *Policy {
	return &Policy{
		def:       defaultConfig,
		perFlow:   make(map[string]FlowConfig),
		randFloat: rand.Float64,
	}
}

// SetFlowConfig overrides the policy for a specific flow.
func (p *Policy) SetFlowConfig(flowID string, cfg FlowConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perFlow[flowID] = cfg
}

func (p *Policy) configFor(flowID string) FlowConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.perFlow[flowID]; ok {
		return cfg
	}
	return p.def
}

// Decide evaluates attempt (1-indexed: the attempt number that just
// failed with cause) for flowID and returns whether to retry or
// dead-letter. A non-retryable cause (per tmerrors.Retryable) always
// dead-letters, regardless of attempt count, matching spec's
// "non-retryable step errors bypass further attempts".
func (p *Policy) Decide(flowID string, attempt int, cause error) Decision {
	cfg := p.configFor(flowID)

	ceiling := cfg.MaxAttempts
	if cfg.DLQAfter > 0 && cfg.DLQAfter < ceiling {
		ceiling = cfg.DLQAfter
	}

	if cause != nil && !tmerrors.Retryable(cause) {
		return Decision{Action: ActionDeadLetter, Reason: "non_retryable"}
	}
	if ceiling > 0 && attempt >= ceiling {
		return Decision{Action: ActionDeadLetter, Reason: "max_attempts"}
	}

	delayMS := p.backoffMS(cfg, attempt)
	return Decision{Action: ActionRetry, DelaySeconds: delayMS / 1000.0}
}

// maxBackoffMS is the ceiling on any retry delay, jitter included.
const maxBackoffMS = 30_000

// backoffMS computes exponential backoff with proportional jitter,
// capped at maxBackoffMS, mirroring calculateBackoff in the teacher's
// HTTP retry transport. A configured BaseMS of zero is honored as "no
// base delay", not rewritten to the default.
func (p *Policy) backoffMS(cfg FlowConfig, attempt int) float64 {
	base := cfg.BaseMS
	if base < 0 {
		base = 0
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = DefaultFlowConfig().Factor
	}

	backoff := base * math.Pow(factor, float64(attempt-1))

	jitter := backoff * 0.2
	if cfg.JitterMS > 0 {
		jitter = cfg.JitterMS
	}
	delay := backoff + p.randFloat()*jitter
	if delay > maxBackoffMS {
		delay = maxBackoffMS
	}
	return delay
}
