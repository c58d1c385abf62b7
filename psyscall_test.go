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

package psyscall

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		ProbeFailed:       "PROBE_FAILED",
		AttachFailed:      "ATTACH_FAILED",
		TargetUnstoppable: "TARGET_UNSTOPPABLE",
		RuntimeNotFound:   "RUNTIME_NOT_FOUND",
		SacrificeFailed:   "SACRIFICE_FAILED",
		ExecutionFailed:   "EXECUTION_FAILED",
		Kind(99):          "UNKNOWN",
	}
	for k, want := range cases {
		require.Equal(t, want, k.String())
	}
}

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	a := &Error{Kind: AttachFailed, Pid: 1, Err: errors.New("boom")}
	b := &Error{Kind: AttachFailed, Pid: 2, Err: nil}
	c := &Error{Kind: ProbeFailed, Pid: 1}

	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, c))
	require.ErrorIs(t, a, &Error{Kind: AttachFailed})
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	cause := errors.New("underlying")
	e := wrapErr(RuntimeNotFound, 4711, cause)
	require.Equal(t, cause, errors.Unwrap(e))
	require.Contains(t, e.Error(), "4711")
	require.Contains(t, e.Error(), "RUNTIME_NOT_FOUND")
	require.Contains(t, e.Error(), "underlying")

	bare := wrapErr(ProbeFailed, 1, nil)
	require.NotContains(t, bare.Error(), ": <nil>")
}

func TestCallResultMarshalJSON(t *testing.T) {
	ok := CallResult{Value: 42}
	b, err := ok.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"value":42}`, string(b))

	failed := CallResult{Value: -1, Err: &Error{Kind: AttachFailed, Pid: 7, Err: errors.New("no such process")}}
	b, err = failed.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(b), `"error_kind":"ATTACH_FAILED"`)
}

func TestSyscallRejectsTooManyArgs(t *testing.T) {
	_, err := Syscall(context.Background(), 1, 39, 1, 2, 3, 4, 5, 6, 7)
	require.Error(t, err)
}

func TestSyscallHonoursCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Syscall(ctx, 1, 39)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSyscallAttachFailedForNonexistentPid(t *testing.T) {
	requirePtrace(t)

	const bogus = 1 << 22 // astronomically unlikely to be a live pid
	_, err := Syscall(context.Background(), bogus, 39)
	require.Error(t, err)
	var psErr *Error
	require.True(t, errors.As(err, &psErr))
	require.Equal(t, AttachFailed, psErr.Kind)
}

// requirePtrace skips the calling test unless this process can actually
// attach to another process as a debugger — CI sandboxes commonly run
// without CAP_SYS_PTRACE or under a seccomp filter that denies it.
func requirePtrace(t *testing.T) {
	t.Helper()
	cmd := exec.Command("/bin/sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	err := syscall.PtraceAttach(cmd.Process.Pid)
	if err != nil {
		t.Skipf("ptrace attach unavailable in this environment: %v", err)
	}
	var status syscall.WaitStatus
	syscall.Wait4(cmd.Process.Pid, &status, 0, nil)
	syscall.PtraceDetach(cmd.Process.Pid)
}

// TestEndToEndGetpidAndKill exercises spec scenarios 1 and 4: invoking
// getpid and kill(pid, 0) inside a real dynamically-linked target and
// checking each call's result. It does not compare the target's register
// file before and after the calls.
func TestEndToEndGetpidAndKill(t *testing.T) {
	requirePtrace(t)

	cmd := exec.Command("/bin/sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	// Let the target settle into its steady-state sleep before poking it.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := Syscall(ctx, pid, syscall.SYS_GETPID)
	require.NoError(t, err)
	require.Equal(t, int64(pid), result)

	result, err = Syscall(ctx, pid, syscall.SYS_KILL, int64(pid), 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), result)
}

// TestEndToEndUnknownSyscallNumber exercises spec scenario 5: a syscall
// number beyond the platform's valid range returns the kernel's negative
// ENOSYS, not a library-level error.
func TestEndToEndUnknownSyscallNumber(t *testing.T) {
	requirePtrace(t)

	cmd := exec.Command("/bin/sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := Syscall(ctx, pid, 1<<20)
	require.NoError(t, err)
	require.Equal(t, int64(-int64(syscall.ENOSYS)), result)
}
