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

package bootstrap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQPInfoRoundTrip(t *testing.T) {
	want := QPInfo{LID: 1, QPN: 0xdeadbeef, PSN: 42, GID: [16]byte{1, 2, 3, 4}}
	var buf bytes.Buffer
	require.NoError(t, WriteQPInfo(&buf, want))
	require.Equal(t, qpInfoSize, buf.Len())

	got, err := ReadQPInfo(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestMRDescriptorRoundTrip(t *testing.T) {
	want := MRDescriptor{Addr: 0x1000, Length: 4096, Rkey: 99}
	var buf bytes.Buffer
	require.NoError(t, WriteMRDescriptor(&buf, want))
	require.Equal(t, mrDescriptorSize, buf.Len())

	got, err := ReadMRDescriptor(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSlotInfoRoundTrip(t *testing.T) {
	want := SlotInfo{SlotSize: 64, ClientIdx: 7}
	var buf bytes.Buffer
	require.NoError(t, WriteSlotInfo(&buf, want))
	require.Equal(t, slotInfoSize, buf.Len())

	got, err := ReadSlotInfo(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadQPInfoOnShortStreamFails(t *testing.T) {
	_, err := ReadQPInfo(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
}
