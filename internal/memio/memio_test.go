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

package memio

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestReadLocalEquivalence(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	addr := uintptr(unsafe.Pointer(&buf[0]))

	got, err := Read(Self, addr, len(buf))
	require.NoError(t, err)
	require.Equal(t, buf, got)
}

func TestReadZeroLength(t *testing.T) {
	got, err := Read(Self, 0, 0)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestEndianRoundTrip16(t *testing.T) {
	var v uint16 = 0xAABB
	addr := uintptr(unsafe.Pointer(&v))

	native, err := Uint16(Self, addr, false)
	require.NoError(t, err)
	require.Equal(t, v, native)

	swapped, err := Uint16(Self, addr, true)
	require.NoError(t, err)

	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	want := binary.BigEndian.Uint16(buf[:])
	require.Equal(t, want, swapped)
}

func TestEndianRoundTrip32(t *testing.T) {
	var v uint32 = 0x11223344
	addr := uintptr(unsafe.Pointer(&v))

	native, err := Uint32(Self, addr, false)
	require.NoError(t, err)
	require.Equal(t, v, native)

	swapped, err := Uint32(Self, addr, true)
	require.NoError(t, err)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	want := binary.BigEndian.Uint32(buf[:])
	require.Equal(t, want, swapped)
}

func TestEndianRoundTrip64(t *testing.T) {
	var v uint64 = 0x1122334455667788
	addr := uintptr(unsafe.Pointer(&v))

	native, err := Uint64(Self, addr, false)
	require.NoError(t, err)
	require.Equal(t, v, native)

	swapped, err := Uint64(Self, addr, true)
	require.NoError(t, err)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	want := binary.BigEndian.Uint64(buf[:])
	require.Equal(t, want, swapped)
}

func TestWordPicksWidth(t *testing.T) {
	var v64 uint64 = 0xdeadbeefcafef00d
	addr := uintptr(unsafe.Pointer(&v64))

	got, err := Word(Self, addr, true, false)
	require.NoError(t, err)
	require.Equal(t, v64, got)

	var v32 uint32 = 0xcafef00d
	addr32 := uintptr(unsafe.Pointer(&v32))
	got32, err := Word(Self, addr32, false, false)
	require.NoError(t, err)
	require.Equal(t, uint64(v32), got32)
}

func TestByteOrder(t *testing.T) {
	require.Equal(t, binary.LittleEndian, ByteOrder(false))
	require.Equal(t, binary.BigEndian, ByteOrder(true))
}
