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

// Package correlation bridges deferred FlowRuntime runs with their
// later-arriving completion signals (spec §4.6). A Hub is single-process
// in-memory state, internally serialized with one mutex — the same
// "guard the shared map, nothing clever" style the teacher repo uses for
// its own in-memory registries (internal/controller/cache,
// internal/triggers).
package correlation

import (
	"sync"

	"github.com/google/uuid"
)

type reservation struct {
	token   string
	flow    string
	payload any
	reqID   string
	ready   bool
	result  any
}

// Hub implements CorrelationHub. The zero value is not usable; use New.
type Hub struct {
	mu             sync.Mutex
	byToken        map[string]*reservation
	byReqID        map[string][]*reservation
	pendingSignals map[string]any
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		byToken:        make(map[string]*reservation),
		byReqID:        make(map[string][]*reservation),
		pendingSignals: make(map[string]any),
	}
}

// Reserve issues a token for a deferred run. If payload carries a
// "req_id" key and a signal for that req_id already arrived, the
// reservation is created already-ready.
func (h *Hub) Reserve(flow string, payload any) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	token := uuid.NewString()
	reqID := extractReqID(payload)
	r := &reservation{token: token, flow: flow, payload: payload, reqID: reqID}
	h.byToken[token] = r

	if reqID != "" {
		if sig, ok := h.pendingSignals[reqID]; ok {
			r.ready = true
			r.result = sig
			delete(h.pendingSignals, reqID)
		} else {
			h.byReqID[reqID] = append(h.byReqID[reqID], r)
		}
	}
	return token
}

// Resolve peeks at a token's current state without consuming it.
// ready reports whether a signal has arrived; value is the signaled
// result if ready, otherwise the originally reserved payload.
func (h *Hub) Resolve(token string) (flow string, value any, ready bool, found bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.byToken[token]
	if !ok {
		return "", nil, false, false
	}
	if r.ready {
		return r.flow, r.result, true, true
	}
	return r.flow, r.payload, false, true
}

// Consume is like Resolve but removes the reservation afterward,
// redeeming it exactly once.
func (h *Hub) Consume(token string) (flow string, value any, ready bool, found bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.byToken[token]
	if !ok {
		return "", nil, false, false
	}
	delete(h.byToken, token)
	if r.reqID != "" {
		h.removeFromReqIDLocked(r)
	}
	if r.ready {
		return r.flow, r.result, true, true
	}
	return r.flow, r.payload, false, true
}

// Signal records that req_id's deferred work has produced payload.
// Any reservations currently waiting on req_id transition to ready
// immediately (and stay registered under req_id until consumed); if
// none are waiting yet, the signal is buffered for the next Reserve or
// ConsumeSignal call on that req_id.
func (h *Hub) Signal(reqID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	waiters, ok := h.byReqID[reqID]
	if ok && len(waiters) > 0 {
		for _, r := range waiters {
			r.ready = true
			r.result = payload
		}
		return
	}
	h.pendingSignals[reqID] = payload
}

// ConsumeReady redeems the oldest already-signaled reservation held
// under reqID, removing it. It reports (nil, false) when no reservation
// for reqID exists or none has received its signal yet — a reservation
// still waiting is left untouched.
func (h *Hub) ConsumeReady(reqID string) (payload any, found bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.byReqID[reqID] {
		if r.ready {
			delete(h.byToken, r.token)
			h.removeFromReqIDLocked(r)
			return r.result, true
		}
	}
	return nil, false
}

// ConsumeSignal returns and removes a buffered signal for req_id that
// was never attached to a reservation (e.g. it arrived before Reserve
// was called for that req_id).
func (h *Hub) ConsumeSignal(reqID string) (payload any, found bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.pendingSignals[reqID]
	if !ok {
		return nil, false
	}
	delete(h.pendingSignals, reqID)
	return v, true
}

func (h *Hub) removeFromReqIDLocked(target *reservation) {
	waiters := h.byReqID[target.reqID]
	for i, r := range waiters {
		if r == target {
			h.byReqID[target.reqID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(h.byReqID[target.reqID]) == 0 {
		delete(h.byReqID, target.reqID)
	}
}

func extractReqID(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := m["req_id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
