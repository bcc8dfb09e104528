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

package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HeaderIdempotencyKey is the envelope header carrying the caller's
// idempotency key, when present.
const HeaderIdempotencyKey = "idempotency_key"

// Envelope is the serializable unit handed between producers, the
// queue, and workers: the on-wire and on-disk task record.
type Envelope struct {
	TaskID    string            `json:"task_id"`
	FlowID    string            `json:"flow_id"`
	Input     map[string]any    `json:"input"`
	Headers   map[string]string `json:"headers,omitempty"`
	Trace     map[string]any    `json:"trace,omitempty"`
	Attempt   int               `json:"attempt"`
	CreatedTS float64           `json:"created_ts"`
}

// NewEnvelope builds an Envelope for flowID with a fresh task id and
// the current time as created_ts.
func NewEnvelope(flowID string, input map[string]any, headers map[string]string, trace map[string]any) Envelope {
	return Envelope{
		TaskID:    uuid.NewString(),
		FlowID:    flowID,
		Input:     input,
		Headers:   headers,
		Trace:     trace,
		CreatedTS: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// IdempotencyKey returns the idempotency_key header, or "" if absent.
func (e Envelope) IdempotencyKey() string {
	return e.Headers[HeaderIdempotencyKey]
}

// CompositeKey is the deduplication key: the idempotency_key header
// when set, else the task id (which never collides, so unkeyed tasks
// are never deduplicated).
func (e Envelope) CompositeKey() string {
	if k := e.IdempotencyKey(); k != "" {
		return k
	}
	return e.TaskID
}

// Encode renders e as its canonical JSON record.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a canonical JSON record back into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("taskqueue: decode envelope: %w", err)
	}
	return e, nil
}

// Payload renders e as the generic map a WorkQueue carries.
func (e Envelope) Payload() map[string]any {
	data, _ := e.Encode()
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

// EnvelopeFromPayload reverses Payload. It round-trips through JSON so
// a payload recovered from disk (where numbers arrive as float64)
// decodes identically to one built in-process.
func EnvelopeFromPayload(payload map[string]any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("taskqueue: encode payload: %w", err)
	}
	return DecodeEnvelope(data)
}
