// Copyright 2024 The psyscall Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build arm64

package probe

import "unsafe"

// cloneChild clones a new thread-group-less process whose stack is the page
// ending at stackTop and whose first instruction is probeStub, implemented
// in clone_arm64.s. It returns the child's pid with errno 0, or pid 0 and
// the (positive) errno the clone failed with.
func cloneChild(stackTop unsafe.Pointer) (pid int64, errno uintptr)

// probeStub and probeTarget exist only as assembly symbols; the Go
// declarations give the linker something to resolve addresses against.
func probeStub()
func probeTarget()

// targetAddr is the clean address the probe repairs a crashed PC register
// to, to confirm which slot is the program counter.
func targetAddr() uintptr {
	return uintptr(funcAddr(probeTarget))
}
