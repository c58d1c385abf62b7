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

// Package elfwalk parses the header, program segments, and dynamic table of
// a loaded ELF image — local or living inside a ptrace-attached peer — far
// enough to locate its symbol table and string table, and resolves symbols
// out of that table.
//
// debug/elf's own parser assumes an io.ReaderAt over a byte stream; a loaded
// image inside another process has no such stream, only word-at-a-time
// debugger peeks, so the walk below is hand-rolled on top of internal/memio.
// debug/elf is still used for its header and dynamic-tag constants, which
// this package has no business redefining.
package elfwalk

import (
	"bytes"
	"debug/elf"
	"fmt"
	"unsafe"

	"github.com/vireo-systems/psyscall/internal/memio"
)

// Image describes a loaded ELF image attached to a (pid, base) pair.
type Image struct {
	Pid  int
	Base uintptr

	Is64 bool     // word width: 32- or 64-bit
	Swap bool     // true if the image's recorded endianness disagrees with the host's
	Type elf.Type // ET_EXEC or ET_DYN (position-independent)

	phOff     uint64
	phEntSize uint16
	phNum     uint16

	SymTab     uintptr // raw dynamic-table value; absolute for ET_EXEC, base-relative for ET_DYN
	StrTab     uintptr
	SymEntSize uint64
	StrSize    uint64
}

var hostIsBigEndian = func() bool {
	var x uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&x))
	return b[0] == 0
}()

func wordSize(is64 bool) uintptr {
	if is64 {
		return 8
	}
	return 4
}

// biased converts a raw dynamic-table value into an address in the owning
// process: unchanged for an executable image (the value was already
// absolute), offset by Base for a position-independent one.
func (img *Image) biased(v uint64) uintptr {
	if img.Type == elf.ET_EXEC {
		return uintptr(v)
	}
	return img.Base + uintptr(v)
}

// Load reads and parses the ELF image believed to start at base in pid's
// address space (pid may be memio.Self for the calling process itself).
func Load(pid int, base uintptr) (*Image, error) {
	img := &Image{Pid: pid, Base: base}

	magic, err := memio.Read(pid, base, 4)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: read header at %#x: %w", base, err)
	}
	if !bytes.Equal(magic, []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, fmt.Errorf("elfwalk: %#x is not an ELF image", base)
	}

	class, err := memio.Uint8(pid, base+4)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: read class: %w", err)
	}
	switch elf.Class(class) {
	case elf.ELFCLASS32:
		img.Is64 = false
	case elf.ELFCLASS64:
		img.Is64 = true
	default:
		return nil, fmt.Errorf("elfwalk: unrecognized class %d", class)
	}

	data, err := memio.Uint8(pid, base+5)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: read data encoding: %w", err)
	}
	switch elf.Data(data) {
	case elf.ELFDATA2LSB:
		img.Swap = hostIsBigEndian
	case elf.ELFDATA2MSB:
		img.Swap = !hostIsBigEndian
	default:
		return nil, fmt.Errorf("elfwalk: unrecognized data encoding %d", data)
	}

	version, err := memio.Uint8(pid, base+6)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: read version: %w", err)
	}
	if version != 1 {
		return nil, fmt.Errorf("elfwalk: unrecognized header version %d", version)
	}

	typeVal, err := memio.Uint16(pid, base+0x10, img.Swap)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: read e_type: %w", err)
	}
	img.Type = elf.Type(typeVal)

	w := wordSize(img.Is64)
	// Layout shared by Elf32_Ehdr/Elf64_Ehdr: e_ident[16] + e_type(2) +
	// e_machine(2) + e_version(4) + e_entry(W) + e_phoff(W) + e_shoff(W) +
	// e_flags(4) + e_ehsize(2) + e_phentsize(2) + e_phnum(2) + ...
	img.phOff, err = memio.Word(pid, base+0x18+w, img.Is64, img.Swap)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: read e_phoff: %w", err)
	}
	phEntSize, err := memio.Uint16(pid, base+0x18+w*3+0x6, img.Swap)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: read e_phentsize: %w", err)
	}
	img.phEntSize = phEntSize
	phNum, err := memio.Uint16(pid, base+0x18+w*3+0x8, img.Swap)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: read e_phnum: %w", err)
	}
	img.phNum = phNum

	loads := 0
	for i := 0; i < int(img.phNum); i++ {
		ph := base + uintptr(img.phOff) + uintptr(i)*uintptr(img.phEntSize)

		phType, err := memio.Uint32(pid, ph, img.Swap)
		if err != nil {
			return nil, fmt.Errorf("elfwalk: read p_type[%d]: %w", i, err)
		}
		if elf.ProgType(phType) != elf.PT_LOAD && elf.ProgType(phType) != elf.PT_DYNAMIC {
			continue
		}

		offset, err := memio.Word(pid, ph+w, img.Is64, img.Swap)
		if err != nil {
			return nil, err
		}
		vaddr, err := memio.Word(pid, ph+2*w, img.Is64, img.Swap)
		if err != nil {
			return nil, err
		}
		filesz, err := memio.Word(pid, ph+4*w, img.Is64, img.Swap)
		if err != nil {
			return nil, err
		}
		memsz, err := memio.Word(pid, ph+5*w, img.Is64, img.Swap)
		if err != nil {
			return nil, err
		}
		if vaddr < offset || memsz < filesz {
			return nil, fmt.Errorf("elfwalk: malformed segment %d", i)
		}

		switch elf.ProgType(phType) {
		case elf.PT_LOAD:
			if img.Type == elf.ET_EXEC && vaddr-offset < uint64(base) {
				return nil, fmt.Errorf("elfwalk: base %#x is above image's lowest load address", base)
			}
			loads++

		case elf.PT_DYNAMIC:
			tagBase := img.biased(vaddr)
			for j := uint64(0); 2*j*uint64(w) < memsz; j++ {
				tag, err := memio.Word(pid, tagBase+uintptr(2*uint64(w)*j), img.Is64, img.Swap)
				if err != nil {
					return nil, err
				}
				if tag == 0 {
					break // DT_NULL terminator
				}
				val, err := memio.Word(pid, tagBase+uintptr(2*uint64(w)*j)+uintptr(w), img.Is64, img.Swap)
				if err != nil {
					return nil, err
				}
				switch elf.DynTag(tag) {
				case elf.DT_STRTAB:
					img.StrTab = uintptr(val)
				case elf.DT_SYMTAB:
					img.SymTab = uintptr(val)
				case elf.DT_STRSZ:
					img.StrSize = val
				case elf.DT_SYMENT:
					img.SymEntSize = val
				}
			}
		}
	}

	if loads == 0 || img.StrTab == 0 || img.StrSize == 0 || img.SymTab == 0 || img.SymEntSize == 0 {
		return nil, fmt.Errorf("elfwalk: image at %#x has no usable dynamic symbol table", base)
	}
	return img, nil
}

// ErrSymbolNotFound is returned by Resolve when name is absent from the
// image's dynamic symbol table.
var ErrSymbolNotFound = fmt.Errorf("elfwalk: symbol not found")

// Resolve returns the in-memory address of name within the image's owning
// process, or ErrSymbolNotFound if no symbol table entry matches.
func (img *Image) Resolve(name string) (uintptr, error) {
	symtab := img.biased(uint64(img.SymTab))
	strtab := img.biased(uint64(img.StrTab))
	w := wordSize(img.Is64)

	for i := uintptr(0); ; i++ {
		entry := symtab + i*uintptr(img.SymEntSize)
		if entry+uintptr(img.SymEntSize) > strtab {
			// Structural end of table: no section headers are available to
			// give an exact symbol count, so the table is assumed to run
			// up to the start of the string table it's paired with.
			break
		}

		strIdx, err := memio.Uint32(img.Pid, entry, img.Swap)
		if err != nil {
			return 0, fmt.Errorf("elfwalk: read symbol %d name index: %w", i, err)
		}
		if uint64(strIdx) >= img.StrSize {
			continue
		}
		value, err := memio.Word(img.Pid, entry+w, img.Is64, img.Swap)
		if err != nil {
			return 0, fmt.Errorf("elfwalk: read symbol %d value: %w", i, err)
		}
		if value == 0 {
			continue
		}

		match, err := matches(img.Pid, strtab+uintptr(strIdx), name, uint64(strIdx), img.StrSize)
		if err != nil {
			return 0, err
		}
		if match {
			return img.biased(value), nil
		}
	}
	return 0, ErrSymbolNotFound
}

// matches compares name byte-by-byte against the NUL-terminated string at
// addr, without ever reading more than len(name)+1 bytes, and without ever
// reading past the end of the string table strIdx was drawn from — the same
// strsz bound the original pdlsym loop carries.
func matches(pid int, addr uintptr, name string, strIdx, strSize uint64) (bool, error) {
	for j := 0; j <= len(name); j++ {
		if strIdx+uint64(j) >= strSize {
			return false, nil
		}
		b, err := memio.Uint8(pid, addr+uintptr(j))
		if err != nil {
			return false, fmt.Errorf("elfwalk: read string byte %d: %w", j, err)
		}
		if j == len(name) {
			return b == 0, nil
		}
		if b != name[j] {
			return false, nil
		}
	}
	return true, nil
}
