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

package flowspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// stepID computes "step-<hash>" from (flowID, step name, operation,
// canonical config). Hook function values are never hashed — only the
// declarative shape of the step, so two processes that construct the
// equivalent step (same config, different closures) agree.
func stepID(flowID string, def *StepDef) string {
	h := sha256.New()
	h.Write([]byte(flowID))
	h.Write([]byte{0})
	h.Write([]byte(def.Name))
	h.Write([]byte{0})
	h.Write([]byte(def.Operation))
	h.Write([]byte{0})
	h.Write(canonicalize(def.Config))
	return "step-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// canonicalize produces a deterministic byte encoding of an arbitrary
// JSON-like map by recursively sorting keys before marshaling. If any
// value fails to marshal (channels, funcs), the whole encoding falls
// back to the marshal error's text so hashing never panics on odd
// config values.
func canonicalize(v any) []byte {
	normalized := normalize(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		// Config values that cannot be marshaled (e.g. a func literal
		// smuggled into Config by a careless caller) still need a
		// stable byte representation for hashing purposes.
		return []byte(err.Error())
	}
	return b
}

func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			out = append(out, keyValue{Key: k, Value: normalize(val[k])})
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return val
	}
}

type keyValue struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}
