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

// Package regfile gives uniform, word-granular access to an architecture's
// ptrace register struct without ever naming a field of it.
//
// syscall.PtraceRegs differs per GOARCH (amd64's has named fields like Rax
// and Rip; arm64's has a 31-entry general register array plus Sp/Pc/Pstate),
// but on every architecture Linux supports for debugger attachment it is a
// fixed-size, word-aligned struct of machine words. Reinterpreting it as a
// plain slice of those words is exactly the representation the architecture
// probe needs: a File that can be indexed by slot without the package having
// any idea which slot means what.
package regfile

import (
	"syscall"
	"unsafe"
)

// File is an ordered sequence of machine words, one per hardware register
// slot, matching the layout ptrace's bulk register-get primitive returns.
type File []uint64

// Count is the number of word-sized slots in the host architecture's ptrace
// register struct.
func Count() int {
	return int(unsafe.Sizeof(syscall.PtraceRegs{}) / unsafe.Sizeof(uint64(0)))
}

// Capture copies regs into a new, independent File.
func Capture(regs *syscall.PtraceRegs) File {
	words := words(regs)
	out := make(File, len(words))
	copy(out, words)
	return out
}

// Apply writes f back into regs, word for word.
func (f File) Apply(regs *syscall.PtraceRegs) {
	copy(words(regs), f)
}

// Clone returns an independent copy of f.
func (f File) Clone() File {
	out := make(File, len(f))
	copy(out, f)
	return out
}

func words(regs *syscall.PtraceRegs) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(regs)), Count())
}
