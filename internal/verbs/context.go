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

// Context is the root verbs resource, analogous to ibv_context: one per
// process (or per test), owning every ProtectionDomain allocated from it.
type Context struct{}

// NewContext opens a new verbs context. There is no device enumeration to
// do here since this backend has no physical HCA; real callers of a cgo
// binding would pick a device first.
func NewContext() *Context {
	return &Context{}
}

// AllocPD allocates a new protection domain from this context.
func (ctx *Context) AllocPD() *ProtectionDomain {
	return &ProtectionDomain{
		ctx: ctx,
		mrs: map[uint64]*MemoryRegion{},
	}
}

// Close is a no-op placeholder kept for symmetry with the real
// ibv_close_device teardown step; this backend holds no OS resources at
// the context level (those live on the QueuePair's net.Conn instead).
func (ctx *Context) Close() error { return nil }
