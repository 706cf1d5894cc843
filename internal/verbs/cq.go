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

// CompletionQueue is the low-level primitive a QueuePair posts completions
// into (ibv_cq in the real verbs API). It is intentionally dumb: ordered
// FIFO storage plus a best-effort notification signal. The filtering,
// caching and thread-safety rules the spec demands live one layer up, in
// package cqp (spec.md §4.1) — this mirrors the split between the
// teacher's raw io_uring CQ ring (internal/iouring.CompletionQueue) and
// its higher-level ring/eventLoop dispatch.
type CompletionQueue struct {
	entries chan WorkCompletion
	notify  chan struct{}
}

// NewCompletionQueue creates a completion queue with room for depth
// outstanding, unconsumed completions.
func NewCompletionQueue(depth int) *CompletionQueue {
	if depth <= 0 {
		depth = 1
	}
	return &CompletionQueue{
		entries: make(chan WorkCompletion, depth),
		notify:  make(chan struct{}, depth),
	}
}

// post enqueues a completion and pings the event channel. Called by a
// QueuePair's internal fabric goroutines only.
func (cq *CompletionQueue) post(wc WorkCompletion) {
	cq.entries <- wc
	select {
	case cq.notify <- struct{}{}:
	default:
	}
}

// Poll removes and returns the oldest completion without blocking.
func (cq *CompletionQueue) Poll() (WorkCompletion, bool) {
	select {
	case wc := <-cq.entries:
		return wc, true
	default:
		return WorkCompletion{}, false
	}
}

// Events exposes the notification channel for event-driven waits. A
// receive on this channel does not imply a completion is still pending —
// by the time the waiter wakes, another goroutine may already have
// polled it via Poll. Callers must re-check with Poll after waking.
func (cq *CompletionQueue) Events() <-chan struct{} {
	return cq.notify
}
