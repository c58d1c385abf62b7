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

// Package probe implements the one-shot architecture probe: discovering,
// by observing a cloned tracee rather than consulting any per-CPU ABI
// table, which register-file slots carry the program counter, the stack
// pointer, and the syscall return value on the host architecture.
package probe

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/vireo-systems/psyscall/internal/regfile"
	"golang.org/x/sys/unix"
)

// Role classifies one slot of a RegisterFile.
type Role int

const (
	RoleNone Role = iota
	RoleGeneral
	RolePC
	RoleSP
	RoleRet
)

// Descriptor is the process-wide result of a successful probe: a role for
// every register slot, plus the three indices callers actually need.
type Descriptor struct {
	Roles    []Role
	PCIndex  int
	SPIndex  int
	RetIndex int
}

// spWindow is the tolerance, in bytes, below the scratch stack's top within
// which an observed register value is still considered "the stack pointer" —
// architectures that adjust SP in their stop handler need this slack.
const spWindow = 0x100

// Warnf receives the probe's diagnostic warnings (more than one slot
// matching the syscall-return pattern). It defaults to discarding them;
// psyscall.go replaces it with a call into the package logger.
var Warnf = func(format string, args ...interface{}) {}

// Run performs the probe once and returns the resulting Descriptor. Each
// call probes afresh and returns a new Descriptor; package psyscall calls
// it only once, from its lazily-initialized, write-once holder.
func Run() (*Descriptor, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	parentPID := syscall.Getpid()

	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("probe: mmap scratch stack: %w", err)
	}
	defer unix.Munmap(mem)
	stackTop := uintptr(unsafe.Pointer(&mem[0])) + uintptr(pageSize)

	pid, errno := cloneChild(unsafe.Pointer(stackTop))
	if errno != 0 {
		return nil, fmt.Errorf("probe: clone: %w", syscall.Errno(errno))
	}
	child := int(pid)
	defer killAndReap(child)

	var status syscall.WaitStatus
	if _, err := syscall.Wait4(child, &status, 0, nil); err != nil {
		return nil, fmt.Errorf("probe: wait for initial stop: %w", err)
	}
	if !status.Stopped() || status.StopSignal() != syscall.SIGSTOP {
		return nil, fmt.Errorf("probe: child did not stop cleanly (status=%#x)", uint32(status))
	}

	var raw syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(child, &raw); err != nil {
		return nil, fmt.Errorf("probe: get initial regs: %w", err)
	}
	r0 := regfile.Capture(&raw)
	n := len(r0)

	roles := make([]Role, n)
	for i, v := range r0 {
		if within(uintptr(v), stackTop) {
			roles[i] = RoleSP
		}
	}

	r1, err := crossSyscall(child)
	if err != nil {
		return nil, err
	}
	r2, err := crossSyscall(child)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{Roles: roles, PCIndex: -1, SPIndex: -1, RetIndex: -1}

	for i := 0; i < n; i++ {
		if roles[i] == RoleSP {
			if !within(uintptr(r2[i]), stackTop) {
				roles[i] = RoleNone
				continue
			}
			if desc.SPIndex < 0 || r1[i] < r1[desc.SPIndex] {
				desc.SPIndex = i
			}
			continue
		}
		if r1[i] == uint64(child) && r2[i] == uint64(parentPID) {
			if desc.RetIndex >= 0 {
				Warnf("probe: slot %d also matches the syscall-return pattern; keeping slot %d", i, desc.RetIndex)
				continue
			}
			roles[i] = RoleRet
			desc.RetIndex = i
		}
	}

	if desc.SPIndex < 0 {
		return nil, fmt.Errorf("probe: no candidate register held the scratch stack pointer")
	}
	if desc.RetIndex < 0 {
		return nil, fmt.Errorf("probe: no candidate register matched the getpid/getppid syscall-return pattern")
	}

	if err := findPC(child, desc, roles); err != nil {
		return nil, err
	}

	return desc, nil
}

// findPC resumes the child into its deliberate crash, then repairs each
// plausible register in turn until one repair stops the crash from
// recurring — that register is the program counter.
func findPC(child int, desc *Descriptor, roles []Role) error {
	if err := syscall.PtraceCont(child, 0); err != nil {
		return fmt.Errorf("probe: cont toward crash: %w", err)
	}
	var status syscall.WaitStatus
	if _, err := syscall.Wait4(child, &status, 0, nil); err != nil {
		return fmt.Errorf("probe: wait for crash: %w", err)
	}
	if !status.Stopped() {
		return fmt.Errorf("probe: child did not fault as expected (status=%#x)", uint32(status))
	}
	crashSig := status.StopSignal()

	var raw syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(child, &raw); err != nil {
		return fmt.Errorf("probe: get crash regs: %w", err)
	}
	crashed := regfile.Capture(&raw)

	target := uint64(targetAddr())
	twiddled := ^target &^ 0x3

	for i := range crashed {
		if crashed[i]&^0x3 != twiddled {
			continue
		}

		fixed := crashed.Clone()
		fixed[i] = target
		var patched syscall.PtraceRegs
		fixed.Apply(&patched)
		if err := syscall.PtraceSetRegs(child, &patched); err != nil {
			return fmt.Errorf("probe: set repaired regs: %w", err)
		}
		if err := syscall.PtraceCont(child, 0); err != nil {
			return fmt.Errorf("probe: cont after repair: %w", err)
		}
		if _, err := syscall.Wait4(child, &status, 0, nil); err != nil {
			return fmt.Errorf("probe: wait after repair: %w", err)
		}
		if status.Stopped() && status.StopSignal() == crashSig {
			// Crash recurred: this slot wasn't PC. Roll back and keep
			// looking; the child is still sitting at the same fault.
			var rollback syscall.PtraceRegs
			crashed.Apply(&rollback)
			if err := syscall.PtraceSetRegs(child, &rollback); err != nil {
				return fmt.Errorf("probe: roll back regs: %w", err)
			}
			continue
		}
		roles[i] = RolePC
		desc.PCIndex = i
		return nil
	}
	return fmt.Errorf("probe: no candidate register, when repaired, stopped the crash")
}

func within(v, stackTop uintptr) bool {
	return v <= stackTop && v >= stackTop-spWindow
}

// crossSyscall resumes the child through one syscall-entry-stop and, if
// that stop looks like a syscall-stop rather than a true signal, one more
// resume to reach the matching syscall-exit-stop, then returns the
// register file observed there.
func crossSyscall(pid int) (regfile.File, error) {
	status, err := resumeToStop(pid)
	if err != nil {
		return nil, err
	}
	if status.StopSignal()&^0x80 == syscall.SIGTRAP {
		if _, err := resumeToStop(pid); err != nil {
			return nil, err
		}
	}
	var raw syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &raw); err != nil {
		return nil, fmt.Errorf("probe: get regs crossing syscall: %w", err)
	}
	return regfile.Capture(&raw), nil
}

func resumeToStop(pid int) (syscall.WaitStatus, error) {
	if err := syscall.PtraceSyscall(pid, 0); err != nil {
		return 0, fmt.Errorf("probe: ptrace syscall-stop: %w", err)
	}
	var status syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &status, 0, nil); err != nil {
		return 0, fmt.Errorf("probe: wait: %w", err)
	}
	if !status.Stopped() {
		return status, fmt.Errorf("probe: child did not remain stopped (status=%#x)", uint32(status))
	}
	return status, nil
}

func killAndReap(pid int) {
	syscall.Kill(pid, syscall.SIGKILL)
	var status syscall.WaitStatus
	syscall.Wait4(pid, &status, 0, nil)
}
