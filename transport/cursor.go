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

package transport

import (
	"github.com/cloudwego/rdmatransport/container/ring"
)

// Cursor is a fair, O(1)-amortized "next client to poll" scan (spec.md
// §5: "round-robin guarantees no client is starved"), built on the
// teacher's container/ring.Ring[V] rather than a hand-rolled modulo loop
// since the access pattern — a forward scan over a fixed-size slice of
// per-client records that resumes where the last scan left off — is
// exactly what Ring already provides via Next/Move.
//
// Cursor is not safe for concurrent use; callers serialize their own
// Read loop (spec.md §3: server.Read is a single blocking call per
// invocation, not meant to be called concurrently from multiple
// goroutines on the same server).
type Cursor struct {
	r    *ring.Ring[int]
	last int
}

// NewCursor builds a Cursor over client indices [0, n).
func NewCursor(n int) *Cursor {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return &Cursor{r: ring.NewFromSlice(ids), last: n - 1}
}

// Scan calls visit once per client in round-robin order starting just
// after the last client Scan stopped at, stopping as soon as visit
// returns true (found a ready client) and remembering that position as
// the new starting point for the next Scan. It returns false if no
// client's visit call returned true after a full sweep.
func (c *Cursor) Scan(visit func(clientIdx int) bool) bool {
	n := c.r.Len()
	if n == 0 {
		return false
	}
	idx := c.last
	for i := 0; i < n; i++ {
		item, ok := c.r.Next(idx)
		if !ok {
			return false
		}
		idx = item.Index()
		if visit(item.Value()) {
			c.last = idx
			return true
		}
	}
	return false
}
