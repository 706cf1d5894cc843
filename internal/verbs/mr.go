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

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
)

// MemoryRegion is a pinned, registered byte range (spec.md §3). Address
// and Rkey are only meaningful to a peer that received them over the
// bootstrap exchange; the registering ProtectionDomain is the sole owner
// of the backing buffer.
type MemoryRegion struct {
	pd     *ProtectionDomain
	buf    []byte
	addr   uint64
	rkey   uint32
	length uint64
	freed  bool
}

// Addr returns the region's base address, as handed to a peer for
// one-sided addressing.
func (mr *MemoryRegion) Addr() uint64 { return mr.addr }

// Rkey returns the remote access key a peer must present to touch this
// region via WRITE/READ.
func (mr *MemoryRegion) Rkey() uint32 { return mr.rkey }

// Length returns the region's size in bytes.
func (mr *MemoryRegion) Length() uint64 { return mr.length }

// Bytes exposes the local, CPU-addressable backing buffer. Only the
// registering endpoint may call this; the region does not synchronize
// access beyond what PD.deliver/PD.fetch already provide.
func (mr *MemoryRegion) Bytes() []byte { return mr.buf }

// Close deregisters the region and releases its pooled buffer.
func (mr *MemoryRegion) Close() error {
	mr.pd.mu.Lock()
	defer mr.pd.mu.Unlock()
	if mr.freed {
		return nil
	}
	mr.freed = true
	delete(mr.pd.mrs, mr.addr)
	mcache.Free(mr.buf)
	return nil
}

var nextAddr uint64
var nextRkey uint32

// ProtectionDomain owns the queue pairs and memory regions of one verbs
// endpoint, mirroring ibv_pd's ownership of both (spec.md §9: "context
// owns PDs/CQs; PD owns QPs/MRs").
type ProtectionDomain struct {
	ctx *Context
	mu  sync.Mutex
	mrs map[uint64]*MemoryRegion
	qps []*QueuePair
}

// RegisterMR pins a zero-initialized buffer of the given length and
// returns the handle a peer can target with one-sided WRITE/READ. The
// buffer is allocated from mcache the way the teacher's bufiox buffers
// are, since an MR's lifetime (alloc at endpoint init, free at teardown)
// is exactly mcache's size-classed reuse pattern.
func (pd *ProtectionDomain) RegisterMR(length int) *MemoryRegion {
	buf := mcache.Malloc(length)
	clear(buf) // pooled buffers come back with their previous contents
	mr := &MemoryRegion{
		pd:     pd,
		buf:    buf,
		addr:   atomic.AddUint64(&nextAddr, uint64(length)+1),
		rkey:   atomic.AddUint32(&nextRkey, 1),
		length: uint64(length),
	}
	pd.mu.Lock()
	pd.mrs[mr.addr] = mr
	pd.mu.Unlock()
	return mr
}

// deliver applies an inbound one-sided WRITE to whichever registered
// region covers [addr, addr+len(payload)), validating the rkey.
func (pd *ProtectionDomain) deliver(addr uint64, rkey uint32, payload []byte) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	for _, mr := range pd.mrs {
		if addr >= mr.addr && addr+uint64(len(payload)) <= mr.addr+mr.length {
			if mr.rkey != rkey {
				return fmt.Errorf("verbs: rkey mismatch for addr %d", addr)
			}
			copy(mr.buf[addr-mr.addr:], payload)
			return nil
		}
	}
	return fmt.Errorf("verbs: no registered region covers addr %d len %d", addr, len(payload))
}

// fetch reads length bytes out of whichever registered region covers
// [addr, addr+length), for a one-sided READ.
func (pd *ProtectionDomain) fetch(addr uint64, rkey uint32, length int) ([]byte, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	for _, mr := range pd.mrs {
		if addr >= mr.addr && addr+uint64(length) <= mr.addr+mr.length {
			if mr.rkey != rkey {
				return nil, fmt.Errorf("verbs: rkey mismatch for addr %d", addr)
			}
			out := make([]byte, length)
			copy(out, mr.buf[addr-mr.addr:addr-mr.addr+uint64(length)])
			return out, nil
		}
	}
	return nil, fmt.Errorf("verbs: no registered region covers addr %d len %d", addr, length)
}

// Close tears down every queue pair owned by this domain, in reverse
// construction order, and then frees every memory region it owns; the
// regions are freed in no defined order, not in reverse construction
// order. It is robust to any queue pair already being in QPStateError
// (spec.md §7).
func (pd *ProtectionDomain) Close() error {
	pd.mu.Lock()
	qps := pd.qps
	pd.qps = nil
	pd.mu.Unlock()
	for i := len(qps) - 1; i >= 0; i-- {
		_ = qps[i].Close()
	}
	pd.mu.Lock()
	mrs := pd.mrs
	pd.mrs = map[uint64]*MemoryRegion{}
	pd.mu.Unlock()
	for _, mr := range mrs {
		mcache.Free(mr.buf)
	}
	return nil
}
