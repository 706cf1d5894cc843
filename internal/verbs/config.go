// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package verbs

// Config holds the sizing knobs for a QueuePair/CompletionQueue pairing.
// Shaped after the teacher's internal/iouring.Config/DefaultConfig.
type Config struct {
	// MaxInFlight bounds outstanding, unacknowledged work requests per
	// queue pair (spec.md §3/§5).
	MaxInFlight int
	// CQDepth is the completion queue capacity.
	CQDepth int
	// MaxSlotPayload bounds the encoded size of a variant's payload type
	// T (spec.md §8: "Message larger than a slot: rejected at
	// construction, not at runtime"). Each variant's NewServer and
	// Client.Connect check T against this before registering any MR.
	MaxSlotPayload int
}

// DefaultConfig returns the sizing every transport server and client
// uses; no constructor takes an explicit Config (the Recv server then
// overrides MaxInFlight with its pool size).
func DefaultConfig() *Config {
	return &Config{
		MaxInFlight:    16,
		CQDepth:        128,
		MaxSlotPayload: 4096,
	}
}
