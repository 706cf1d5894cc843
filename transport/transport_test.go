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

func TestSizeOfUint32(t *testing.T) {
	require.Equal(t, 4, SizeOf[uint32]())
}

func TestEncodeDecodeUint32RoundTrip(t *testing.T) {
	buf := make([]byte, SizeOf[uint32]())
	Encode[uint32](buf, 0xcafebabe)
	require.Equal(t, uint32(0xcafebabe), Decode[uint32](buf))
}

type benchPayload struct {
	Seq   uint64
	Value uint32
}

func TestEncodeDecodeStructRoundTrip(t *testing.T) {
	buf := make([]byte, SizeOf[benchPayload]())
	want := benchPayload{Seq: 7, Value: 123}
	Encode[benchPayload](buf, want)
	require.Equal(t, want, Decode[benchPayload](buf))
}

type oversizedPayload struct {
	Data [8192]byte
}

func TestCheckPayloadSizeRejectsOversizedPayload(t *testing.T) {
	require.ErrorIs(t, CheckPayloadSize[oversizedPayload](4096), ErrPayloadTooLarge)
	require.NoError(t, CheckPayloadSize[uint32](4096))
}

func TestRoundConcurrency(t *testing.T) {
	require.Equal(t, 16, RoundConcurrency(1, 16))
	require.Equal(t, 16, RoundConcurrency(16, 16))
	require.Equal(t, 32, RoundConcurrency(17, 16))
	require.Equal(t, 5, RoundConcurrency(5, 0))
}
