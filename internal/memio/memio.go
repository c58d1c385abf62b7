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

// Package memio provides uniform, word-granular reads of a byte range from
// either the calling process or an already ptrace-attached peer, plus
// endianness-normalized typed accessors on top.
package memio

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"
)

// Self is the pid sentinel meaning "read out of the calling process's own
// address space" rather than a traced peer.
const Self = 0

// Read copies length bytes starting at addr out of pid's address space. When
// pid is Self this is a plain memory copy; otherwise pid must already be
// ptrace-attached and stopped, and the read is satisfied by PTRACE_PEEKDATA.
//
// syscall.PtracePeekData already performs the alignment bookkeeping the
// kernel's peek interface requires — a misaligned leading partial word, zero
// or more aligned whole words, and a short trailing partial word — so it is
// used directly rather than re-deriving that arithmetic by hand.
func Read(pid int, addr uintptr, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	if pid == Self {
		return readLocal(addr, length), nil
	}
	buf := make([]byte, length)
	n, err := syscall.PtracePeekData(pid, addr, buf)
	if err != nil {
		return nil, &PeekError{Pid: pid, Addr: addr, Len: length, Err: err}
	}
	if n != length {
		return nil, &PeekError{Pid: pid, Addr: addr, Len: length, Err: syscall.EIO}
	}
	return buf, nil
}

func readLocal(addr uintptr, length int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	out := make([]byte, length)
	copy(out, src)
	return out
}

// PeekError wraps a failed debugger peek with the request that failed.
type PeekError struct {
	Pid  int
	Addr uintptr
	Len  int
	Err  error
}

func (e *PeekError) Error() string {
	return fmt.Sprintf("memio: peek pid=%d addr=%#x len=%d: %v", e.Pid, e.Addr, e.Len, e.Err)
}

func (e *PeekError) Unwrap() error { return e.Err }

// Swapped reads the same range as Read and then reverses the byte order of
// the result. It is selected at image-load time whenever the owning image's
// recorded endianness disagrees with the host's.
func Swapped(pid int, addr uintptr, length int) ([]byte, error) {
	buf, err := Read(pid, addr, length)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf, nil
}

// ByteOrder selects the binary.ByteOrder matching an image's recorded
// endianness, for callers that would rather decode with encoding/binary
// than use the Swapped byte-reversal path directly.
func ByteOrder(swap bool) binary.ByteOrder {
	if swap {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Uint8 always uses the raw, non-swapping path: a single byte has no
// endianness to normalize.
func Uint8(pid int, addr uintptr) (uint8, error) {
	b, err := Read(pid, addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a 16-bit value, swapping byte order when swap is true.
func Uint16(pid int, addr uintptr, swap bool) (uint16, error) {
	b, err := readMaybeSwapped(pid, addr, 2, swap)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a 32-bit value, swapping byte order when swap is true.
func Uint32(pid int, addr uintptr, swap bool) (uint32, error) {
	b, err := readMaybeSwapped(pid, addr, 4, swap)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a 64-bit value, swapping byte order when swap is true.
func Uint64(pid int, addr uintptr, swap bool) (uint64, error) {
	b, err := readMaybeSwapped(pid, addr, 8, swap)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Word reads an architecture-word-sized integer, picking 32- or 64-bit
// width based on is64 (the owning image's recorded class).
func Word(pid int, addr uintptr, is64, swap bool) (uint64, error) {
	if is64 {
		return Uint64(pid, addr, swap)
	}
	v, err := Uint32(pid, addr, swap)
	return uint64(v), err
}

func readMaybeSwapped(pid int, addr uintptr, n int, swap bool) ([]byte, error) {
	if swap {
		return Swapped(pid, addr, n)
	}
	return Read(pid, addr, n)
}

