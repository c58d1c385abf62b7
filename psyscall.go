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

// Package psyscall invokes an arbitrary system call inside the address
// space of another running Linux process, as if that process had issued
// the call itself.
package psyscall

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"syscall"

	"github.com/vireo-systems/psyscall/internal/elfwalk"
	"github.com/vireo-systems/psyscall/internal/memio"
	"github.com/vireo-systems/psyscall/internal/probe"
	"github.com/vireo-systems/psyscall/internal/procmap"
	"github.com/vireo-systems/psyscall/internal/regfile"
)

func init() {
	probe.Warnf = func(format string, args ...interface{}) {
		logger.Warnf(format, args...)
	}
}

var (
	archOnce sync.Once
	arch     *probe.Descriptor
	archErr  error
)

// architecture returns the process-wide register-role descriptor,
// probing exactly once. A probe that failed is never retried — every
// subsequent call observes the same failure.
func architecture() (*probe.Descriptor, error) {
	archOnce.Do(func() {
		logger.Debug("probing host register layout")
		arch, archErr = probe.Run()
		if archErr != nil {
			logger.WithError(archErr).Error("architecture probe failed")
		}
	})
	return arch, archErr
}

// Syscall invokes syscall number nr, with up to six arguments, inside pid's
// address space, and returns the kernel's result for that call.
//
// ctx is checked once, before the call begins; once attached to the target
// the call runs to completion or failure and cannot be cancelled in
// flight — a caller that needs a hard deadline must not rely on ctx alone.
func Syscall(ctx context.Context, pid int, nr int64, args ...int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(args) > 6 {
		return 0, fmt.Errorf("psyscall: too many arguments (%d, max 6)", len(args))
	}
	var a [6]int64
	copy(a[:], args)

	d, err := architecture()
	if err != nil {
		return 0, wrapErr(ProbeFailed, pid, err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return invoke(d, pid, nr, a)
}

// scratchOffset and minScratchWords mirror spec's fixed splice point: the
// executor writes its scratch stack 0x80 bytes inside the target's main
// stack region, and refuses to proceed if fewer than 16 words are usable
// there.
const (
	scratchOffset   = 0x80
	minScratchWords = 16
	wordSize        = 8
)

func invoke(d *probe.Descriptor, pid int, nr int64, args [6]int64) (int64, error) {
	log := logger.WithField("pid", pid)

	if err := syscall.PtraceAttach(pid); err != nil {
		return 0, wrapErr(AttachFailed, pid, err)
	}
	var status syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &status, 0, nil); err != nil || !status.Stopped() {
		syscall.PtraceDetach(pid)
		return 0, wrapErr(TargetUnstoppable, pid, err)
	}
	log.Debug("attached to target")

	syscallAddr, stack, err := locateRuntime(pid)
	if err != nil {
		syscall.PtraceDetach(pid)
		return 0, wrapErr(RuntimeNotFound, pid, err)
	}
	scratchBase := stack.Start + scratchOffset

	child, childRegs, err := runSacrifice(nr, args)
	if err != nil {
		syscall.PtraceDetach(pid)
		return 0, wrapErr(SacrificeFailed, pid, err)
	}

	var saved syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &saved); err != nil {
		killAndReap(child)
		syscall.PtraceDetach(pid)
		return 0, wrapErr(ExecutionFailed, pid, err)
	}

	mutated := childRegs.Clone()
	mutated[d.PCIndex] = uint64(syscallAddr)

	childRegions, err := procmap.Regions(child)
	if err != nil {
		killAndReap(child)
		restoreAndDetach(pid, &saved)
		return 0, wrapErr(ExecutionFailed, pid, err)
	}

	cursor := scratchBase
	for i, role := range d.Roles {
		if role != probe.RoleSP {
			continue
		}
		spVal := uintptr(childRegs[i])

		region, ok := procmap.FindByAddr(childRegions, spVal)
		if !ok || region.Perms[0] != 'r' || region.Perms[1] != 'w' {
			killAndReap(child)
			restoreAndDetach(pid, &saved)
			return 0, wrapErr(ExecutionFailed, pid, fmt.Errorf("psyscall: sacrificial stack pointer at %#x is not a readable-writable region", spVal))
		}

		words, err := memio.Read(child, spVal, minScratchWords*wordSize)
		if err != nil {
			killAndReap(child)
			restoreAndDetach(pid, &saved)
			return 0, wrapErr(ExecutionFailed, pid, err)
		}
		if cursor+uintptr(len(words)) > stack.End {
			killAndReap(child)
			restoreAndDetach(pid, &saved)
			return 0, wrapErr(ExecutionFailed, pid, fmt.Errorf("psyscall: target main stack too shallow for scratch splice"))
		}
		if err := pokeBytes(pid, cursor, words); err != nil {
			killAndReap(child)
			restoreAndDetach(pid, &saved)
			return 0, wrapErr(ExecutionFailed, pid, err)
		}
		mutated[i] = uint64(cursor)
		cursor += uintptr(len(words))
	}

	killAndReap(child)

	var patched syscall.PtraceRegs
	mutated.Apply(&patched)
	if err := syscall.PtraceSetRegs(pid, &patched); err != nil {
		restoreAndDetach(pid, &saved)
		return 0, wrapErr(ExecutionFailed, pid, err)
	}

	if err := advanceSyscall(pid); err != nil {
		restoreAndDetach(pid, &saved)
		return 0, wrapErr(ExecutionFailed, pid, err)
	}

	var result syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &result); err != nil {
		restoreAndDetach(pid, &saved)
		return 0, wrapErr(ExecutionFailed, pid, err)
	}
	ret := int64(regfile.Capture(&result)[d.RetIndex])

	if err := syscall.PtraceSetRegs(pid, &saved); err != nil {
		syscall.PtraceDetach(pid)
		return ret, wrapErr(ExecutionFailed, pid, err)
	}
	if err := syscall.PtraceDetach(pid); err != nil {
		return ret, wrapErr(ExecutionFailed, pid, err)
	}
	log.WithField("nr", nr).WithField("result", ret).Debug("remote syscall complete")
	return ret, nil
}

// locateRuntime finds the address of the syscall trampoline inside the
// target's loaded C runtime image, and the target's main stack region.
func locateRuntime(pid int) (uintptr, procmap.Region, error) {
	regions, err := procmap.Regions(pid)
	if err != nil {
		return 0, procmap.Region{}, err
	}
	libc, ok := procmap.FindLibc(regions)
	if !ok {
		return 0, procmap.Region{}, fmt.Errorf("psyscall: no C runtime image mapped in target")
	}
	img, err := elfwalk.Load(pid, libc.Start)
	if err != nil {
		return 0, procmap.Region{}, err
	}
	syscallAddr, err := img.Resolve("syscall")
	if err != nil {
		return 0, procmap.Region{}, err
	}
	stack, ok := procmap.FindByPath(regions, procmap.MainStack)
	if !ok {
		return 0, procmap.Region{}, fmt.Errorf("psyscall: target has no identifiable main stack")
	}
	return syscallAddr, stack, nil
}

// runSacrifice forks a local helper and runs it forward to a deliberate
// crash, returning its pid (still stopped at the fault) along with the
// register file observed there.
//
// The helper (sacrifice_amd64.s / sacrifice_arm64.s) loads (nr, a0..a5)
// into the registers a real call to the target's libc `syscall` trampoline
// would use — the platform's C calling convention, not the raw kernel
// syscall ABI — and then calls through a deliberately invalid address built
// by twiddling its own entry point, the same self-referential-pointer
// technique the architecture probe uses for PC discovery. The resulting
// fault freezes the child with exactly the register and stack state the
// executor needs to transplant: had the call landed on the real `syscall`
// trampoline instead of garbage, it would have issued (nr, a0..a5) as a
// syscall. This is deliberately not "run the syscall for real and capture
// the result" — the kernel's raw syscall ABI register layout and the C
// calling convention the target's trampoline expects at its entry point
// are different shapes, and only the latter is usable as a template for
// jumping into that entry point in the target.
func runSacrifice(nr int64, args [6]int64) (int, regfile.File, error) {
	pid, errno := sacrificeChild(nr, args[0], args[1], args[2], args[3], args[4], args[5])
	if errno != 0 {
		return 0, nil, syscall.Errno(errno)
	}
	child := int(pid)

	var status syscall.WaitStatus
	if _, err := syscall.Wait4(child, &status, 0, nil); err != nil {
		return 0, nil, fmt.Errorf("psyscall: wait for sacrificial stop: %w", err)
	}
	if !status.Stopped() || status.StopSignal() != syscall.SIGSTOP {
		killAndReap(child)
		return 0, nil, fmt.Errorf("psyscall: sacrificial child did not stop cleanly (status=%#x)", uint32(status))
	}

	if err := syscall.PtraceCont(child, 0); err != nil {
		killAndReap(child)
		return 0, nil, fmt.Errorf("psyscall: resume sacrificial child toward crash: %w", err)
	}
	if _, err := syscall.Wait4(child, &status, 0, nil); err != nil {
		killAndReap(child)
		return 0, nil, fmt.Errorf("psyscall: wait for sacrificial crash: %w", err)
	}
	if !status.Stopped() {
		killAndReap(child)
		return 0, nil, fmt.Errorf("psyscall: sacrificial child did not crash as expected (status=%#x)", uint32(status))
	}

	var raw syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(child, &raw); err != nil {
		killAndReap(child)
		return 0, nil, fmt.Errorf("psyscall: get sacrificial regs: %w", err)
	}
	return child, regfile.Capture(&raw), nil
}

// advanceSyscall resumes pid through one syscall-entry-stop and, if that
// stop looks like a syscall-stop, one more resume to reach the matching
// syscall-exit-stop.
func advanceSyscall(pid int) error {
	status, err := resumeToStop(pid)
	if err != nil {
		return err
	}
	if status.StopSignal()&^0x80 == syscall.SIGTRAP {
		if _, err := resumeToStop(pid); err != nil {
			return err
		}
	}
	return nil
}

func resumeToStop(pid int) (syscall.WaitStatus, error) {
	if err := syscall.PtraceSyscall(pid, 0); err != nil {
		return 0, fmt.Errorf("psyscall: ptrace syscall-stop: %w", err)
	}
	var status syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &status, 0, nil); err != nil {
		return 0, fmt.Errorf("psyscall: wait: %w", err)
	}
	if !status.Stopped() {
		return status, fmt.Errorf("psyscall: process did not remain stopped (status=%#x)", uint32(status))
	}
	return status, nil
}

func pokeBytes(pid int, addr uintptr, data []byte) error {
	n, err := syscall.PtracePokeData(pid, addr, data)
	if err != nil {
		return fmt.Errorf("psyscall: poke scratch bytes at %#x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("psyscall: short poke at %#x: wrote %d of %d bytes", addr, n, len(data))
	}
	return nil
}

func restoreAndDetach(pid int, saved *syscall.PtraceRegs) {
	syscall.PtraceSetRegs(pid, saved)
	syscall.PtraceDetach(pid)
}

func killAndReap(pid int) {
	syscall.Kill(pid, syscall.SIGKILL)
	var status syscall.WaitStatus
	syscall.Wait4(pid, &status, 0, nil)
}
