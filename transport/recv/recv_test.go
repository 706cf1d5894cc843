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

package recv

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudwego/rdmatransport/transport"
)

func newTestServer(t *testing.T, poolSize int) (*Server[uint32], string) {
	t.Helper()
	srv, err := NewServer[uint32]("0", poolSize)
	require.NoError(t, err)
	port := strings.Split(srv.ln.Addr().String(), ":")
	return srv, "127.0.0.1:" + port[len(port)-1]
}

func TestEchoRoundTrip(t *testing.T) {
	srv, addr := newTestServer(t, 4)
	defer srv.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := srv.Accept()
		require.NoError(t, err)
		var msg uint32
		id, err := srv.Read(&msg)
		require.NoError(t, err)
		require.NoError(t, srv.Write(id, msg*2))
	}()

	cli := NewClient[uint32]()
	defer cli.Close()
	require.NoError(t, cli.Connect(addr))
	require.NoError(t, cli.Write(21))

	var reply uint32
	require.NoError(t, cli.Read(&reply))
	require.Equal(t, uint32(42), reply)

	wg.Wait()
}

func TestMultipleClientsNoLostOrDuplicateCompletions(t *testing.T) {
	const n = 4
	srv, addr := newTestServer(t, n)
	defer srv.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, err := srv.Accept()
			require.NoError(t, err)
		}
		for i := 0; i < n; i++ {
			var msg uint32
			id, err := srv.Read(&msg)
			require.NoError(t, err)
			require.NoError(t, srv.Write(id, msg+1000))
		}
	}()

	clients := make([]*Client[uint32], n)
	for i := 0; i < n; i++ {
		clients[i] = NewClient[uint32]()
		require.NoError(t, clients[i].Connect(addr))
	}

	var cwg sync.WaitGroup
	results := make([]uint32, n)
	for i := 0; i < n; i++ {
		cwg.Add(1)
		go func(i int) {
			defer cwg.Done()
			require.NoError(t, clients[i].Write(uint32(i)))
			require.NoError(t, clients[i].Read(&results[i]))
		}(i)
	}
	cwg.Wait()
	wg.Wait()

	for i := 0; i < n; i++ {
		require.Equal(t, uint32(i)+1000, results[i])
		require.NoError(t, clients[i].Close())
	}
}

func TestPoolSizeMustBePositive(t *testing.T) {
	_, err := NewServer[uint32]("0", 0)
	require.Error(t, err)
}

type oversizedPayload struct {
	Data [8192]byte
}

func TestNewServerRejectsOversizedPayload(t *testing.T) {
	_, err := NewServer[oversizedPayload]("0", 4)
	require.ErrorIs(t, err, transport.ErrPayloadTooLarge)
}

func TestConnectRejectsOversizedPayload(t *testing.T) {
	cli := NewClient[oversizedPayload]()
	defer cli.Close()
	require.ErrorIs(t, cli.Connect("127.0.0.1:1"), transport.ErrPayloadTooLarge)
}
