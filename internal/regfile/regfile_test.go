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

package regfile

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWordRoundTrip(t *testing.T) {
	var regs syscall.PtraceRegs
	n := Count()
	require.Greater(t, n, 0)

	f := Capture(&regs)
	require.Len(t, f, n)
	for i := range f {
		f[i] = uint64(i)*0x1111111111111111 + 1
	}

	var regs2 syscall.PtraceRegs
	f.Apply(&regs2)

	got := Capture(&regs2)
	require.Equal(t, []uint64(f), []uint64(got))
}

func TestCloneIsIndependent(t *testing.T) {
	var regs syscall.PtraceRegs
	f := Capture(&regs)
	for i := range f {
		f[i] = 1
	}
	clone := f.Clone()
	clone[0] = 42

	require.Equal(t, uint64(1), f[0])
	require.Equal(t, uint64(42), clone[0])
}
