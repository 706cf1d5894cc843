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
	"fmt"
	"net"
)

// Listener accepts the server side of the bootstrap handshake (spec.md
// §4.5): one TCP connection per client. The connection is not closed
// when the handshake completes: it is handed to verbs.NewQueuePair and
// keeps serving as that queue pair's wire (see internal/verbs).
type Listener struct {
	ln net.Listener
}

// Listen opens a bootstrap listener on the given connection string
// (spec.md §6: server connection string is `"<port>"`).
func Listen(port string) (*Listener, error) {
	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: listen on port %s: %w", port, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next client's bootstrap connection. The caller
// drives the handshake itself (reading/writing QPInfo, MRDescriptor,
// SlotInfo in the order spec.md §6 defines). Every transport variant
// closes the returned conn only if the handshake fails; otherwise the
// conn becomes the queue pair's wire and is closed with that queue pair.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: accept: %w", err)
	}
	return conn, nil
}

// Close stops accepting new clients (spec.md §4: finish_listen).
func (l *Listener) Close() error {
	if err := l.ln.Close(); err != nil {
		return fmt.Errorf("bootstrap: close listener: %w", err)
	}
	return nil
}

// Addr returns the bound local address, mostly useful in tests that bind
// to port 0 and need to learn the actual port picked.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
