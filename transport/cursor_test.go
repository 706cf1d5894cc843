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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorScanAdvancesPastLastHit(t *testing.T) {
	c := NewCursor(4)

	var visited []int
	ok := c.Scan(func(i int) bool {
		visited = append(visited, i)
		return i == 2
	})
	require.True(t, ok)
	require.Equal(t, []int{0, 1, 2}, visited)

	visited = nil
	ok = c.Scan(func(i int) bool {
		visited = append(visited, i)
		return i == 0
	})
	require.True(t, ok)
	require.Equal(t, []int{3, 0}, visited)
}

func TestCursorScanNoHitReturnsFalse(t *testing.T) {
	c := NewCursor(3)
	ok := c.Scan(func(i int) bool { return false })
	require.False(t, ok)
}

// TestCursorFairnessNoClientStarved mirrors spec.md §8's fairness
// property: with every client ready on every scan, successive Scans must
// rotate through all clients instead of serving the same one again.
func TestCursorFairnessNoClientStarved(t *testing.T) {
	const n = 5
	c := NewCursor(n)
	served := map[int]int{}
	for round := 0; round < n*3; round++ {
		c.Scan(func(i int) bool {
			served[i]++
			return true
		})
	}
	for i := 0; i < n; i++ {
		require.Greater(t, served[i], 0, "client %d was never scheduled", i)
	}
}
