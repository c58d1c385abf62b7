// Copyright 2024 The psyscall Authors.
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

package psyscall

import "encoding/json"

// CallResult is the JSON serialization unit shared by the CLI frontend and
// any future RPC wrapper; the library API itself returns (int64, error)
// per Go convention and does not use this type internally.
type CallResult struct {
	Value int64  `json:"value"`
	Err   *Error `json:"error,omitempty"`
}

// MarshalJSON renders Err.Kind as its string name rather than relying on
// Error's own unexported-friendly shape, so CLI output is stable even if
// Error grows fields later.
func (r CallResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		Value int64  `json:"value"`
		Kind  string `json:"error_kind,omitempty"`
		Err   string `json:"error,omitempty"`
	}
	w := wire{Value: r.Value}
	if r.Err != nil {
		w.Kind = r.Err.Kind.String()
		w.Err = r.Err.Error()
	}
	return json.Marshal(w)
}
