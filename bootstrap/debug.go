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
	"os"
)

// Verbose reports whether the VERBOSE environment variable is set
// (spec.md §6: "environment flag VERBOSE toggles diagnostic dumps"),
// mirroring the original harness's getenv("VERBOSE") checks around its
// memory-region dumps.
func Verbose() bool {
	return os.Getenv("VERBOSE") != ""
}

// Debugf writes a diagnostic line to stderr when Verbose is set. Every
// transport variant's Accept/Connect calls this after the bootstrap
// handshake completes, in place of the original's dumpMemoryRegions/dump
// calls.
func Debugf(format string, args ...interface{}) {
	if !Verbose() {
		return
	}
	fmt.Fprintf(os.Stderr, "rdmatransport: "+format+"\n", args...)
}
