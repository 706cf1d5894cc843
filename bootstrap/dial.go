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
	"time"
)

// DialRetryInterval and DialMaxAttempts implement spec.md §4/§6's client
// connect retry: "retries with 20ms backoff; gives up after ~1000
// attempts" — carried over from the original's connect-race harness
// (original_source/multiclientRecvVsPoll.cpp), where the server starts
// well after clients begin connecting and clients must survive the gap.
const (
	DialRetryInterval = 20 * time.Millisecond
	DialMaxAttempts   = 1000
)

// Dial connects to a bootstrap listener at connectionString (spec.md §6:
// client connection string is `"<ip>:<port>"`), retrying after any dial
// error (such as connection refused while the server is not listening
// yet) until DialMaxAttempts is exhausted.
func Dial(connectionString string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < DialMaxAttempts; attempt++ {
		conn, err := net.Dial("tcp", connectionString)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(DialRetryInterval)
	}
	return nil, fmt.Errorf("bootstrap: dial %s: giving up after %d attempts: %w", connectionString, DialMaxAttempts, lastErr)
}
