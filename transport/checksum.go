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

import "github.com/bytedance/gopkg/util/xxhash3"

// Checksum hashes payload with xxhash3, the same quick non-cryptographic
// checksum the teacher benchmarks in hash/xfnv's tests. It is test
// support only: a round-trip harness that generates many payloads larger
// than fits comfortably in a single assertion can compare checksums
// instead of diffing every byte.
func Checksum(payload []byte) uint64 {
	return xxhash3.Hash(payload)
}
